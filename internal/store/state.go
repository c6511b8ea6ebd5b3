package store

// Job states persisted to work/<jobKey>/state.json. The index mirrors them,
// except that terminal errors split into ERROR_PREP / ERROR_OCR there while
// state.json records ERROR plus a step field.
const (
	StateDiscovered    = "DISCOVERED"
	StatePrepSubmitted = "PREP_SUBMITTED"
	StatePrepRunning   = "PREP_RUNNING"
	StatePrepTimeout   = "PREP_TIMEOUT"
	StatePrepError     = "PREP_ERROR"
	StatePrepDone      = "PREP_DONE"
	StateOcrSubmitted  = "OCR_SUBMITTED"
	StateOcrRunning    = "OCR_RUNNING"
	StateOcrTimeout    = "OCR_TIMEOUT"
	StateOcrError      = "OCR_ERROR"
	StateDone          = "DONE"
	StateError         = "ERROR"

	// Index-only terminal states.
	StateErrorPrep = "ERROR_PREP"
	StateErrorOcr  = "ERROR_OCR"

	// Written to hold/duplicates/<jobKey>/status.json while a duplicate
	// waits for a human decision.
	StateDuplicatePending = "DUPLICATE_PENDING"
)

// Step values recorded alongside ERROR states in state.json.
const (
	StepPrep = "PREP"
	StepOcr  = "OCR"
)
