package cli

import (
	"strings"
	"testing"
)

func TestRunTune_RejectsMalformedArguments(t *testing.T) {
	for _, bad := range []string{"prep_concurrency", "=4", "lang="} {
		tuneAddr = "127.0.0.1:1"
		err := runTune(nil, []string{bad})
		if err == nil {
			t.Errorf("arg %q: expected parse error", bad)
			continue
		}
		if !strings.Contains(err.Error(), "not key=value") {
			t.Errorf("arg %q: unexpected error: %v", bad, err)
		}
	}
	tuneAddr = ""
}

func TestRunTune_AppliesPatch(t *testing.T) {
	srv := fakeDaemon(t, map[string]string{
		"POST /config": `{"applied":{"prep_concurrency":4}}`,
	})

	tuneAddr = srv.URL
	defer func() { tuneAddr = "" }()

	if err := runTune(nil, []string{"prep_concurrency=4"}); err != nil {
		t.Fatalf("runTune: %v", err)
	}
}

func TestRunTune_NothingApplied(t *testing.T) {
	srv := fakeDaemon(t, map[string]string{
		"POST /config": `{"applied":{}}`,
	})

	tuneAddr = srv.URL
	defer func() { tuneAddr = "" }()

	err := runTune(nil, []string{"bogus_key=1"})
	if err == nil {
		t.Fatal("expected error when the daemon applies nothing")
	}
	if !strings.Contains(err.Error(), "no recognized tunables") {
		t.Errorf("unexpected error: %v", err)
	}
}
