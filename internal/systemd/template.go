package systemd

import "fmt"

// ServiceTemplate returns the comicwatch.service unit file. The daemon
// runs under ProtectSystem=strict, so the data directory must be listed
// as writable explicitly.
func ServiceTemplate(configPath, dataDir string) string {
	return fmt.Sprintf(`[Unit]
Description=Comicwatch comic-to-PDF pipeline
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=comicwatch
Environment=COMICWATCH_CONFIG=%s
ExecStart=/usr/local/bin/comicwatch serve
Restart=on-failure
RestartSec=5
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
ReadWritePaths=%s

[Install]
WantedBy=multi-user.target
`, configPath, dataDir)
}
