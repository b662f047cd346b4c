// Package doctor runs environment diagnostics: is the config sane, is
// the agent binary reachable, can the tunnel command run, is the bind
// address free. Used by the doctor subcommand before filing bug reports.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/agentbridge/internal/config"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAgentBinary,
		checkWritableRoots,
		checkBindAddress,
		checkTunnelCommand,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Path == "" {
		return CheckResult{Name: "Config", Status: "PASS", Message: "Using built-in defaults"}
	}
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("No file at %s, using defaults", cfg.Path),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.Path)}
}

func checkAgentBinary(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Binary", Status: "SKIP", Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Agent.Bin)
	if err != nil {
		return CheckResult{
			Name:    "Agent Binary",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found on PATH", cfg.Agent.Bin),
			Detail:  "Every thread and turn request needs the agent process; install it or set agent.bin",
		}
	}
	return CheckResult{Name: "Agent Binary", Status: "PASS", Message: fmt.Sprintf("%s resolves to %s", cfg.Agent.Bin, path)}
}

func checkWritableRoots(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Writable Roots", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Agent.WritableRoots) == 0 {
		return CheckResult{Name: "Writable Roots", Status: "WARN", Message: "No writable roots configured; the agent runs read-only"}
	}

	var bad []string
	for _, root := range cfg.Agent.WritableRoots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			bad = append(bad, fmt.Sprintf("%s: not a directory", root))
			continue
		}
		testFile := filepath.Join(root, ".agentbridge_write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", root, err))
			continue
		}
		os.Remove(testFile)
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Writable Roots",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d roots unusable", len(bad), len(cfg.Agent.WritableRoots)),
			Detail:  strings.Join(bad, "; "),
		}
	}
	return CheckResult{Name: "Writable Roots", Status: "PASS", Message: fmt.Sprintf("%d roots writable", len(cfg.Agent.WritableRoots))}
}

func checkBindAddress(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Server.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  "FAIL",
			Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.Server.BindAddr, err),
			Detail:  "Another process may already hold the port, or the daemon is running",
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.Server.BindAddr)}
}

func checkTunnelCommand(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tunnel", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Tunnel.Command == "" {
		return CheckResult{Name: "Tunnel", Status: "SKIP", Message: "No tunnel command configured"}
	}

	command := strings.Fields(cfg.Tunnel.Command)[0]
	path, err := exec.LookPath(command)
	if err != nil {
		return CheckResult{
			Name:    "Tunnel",
			Status:  "WARN",
			Message: fmt.Sprintf("%q not found on PATH; tunnel enable will fail", command),
		}
	}

	if strings.ToLower(filepath.Base(command)) == "ngrok" {
		if cfg.Tunnel.NgrokAuthtoken == "" && os.Getenv("NGROK_AUTHTOKEN") == "" {
			return CheckResult{
				Name:    "Tunnel",
				Status:  "WARN",
				Message: "ngrok configured but NGROK_AUTHTOKEN is not set",
				Detail:  "Tunnel enable rejects ngrok without an authtoken",
			}
		}
	}
	return CheckResult{Name: "Tunnel", Status: "PASS", Message: fmt.Sprintf("%s resolves to %s", command, path)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	// The external-IP fallback endpoint the tunnel admin panel queries.
	host := "api.ipify.org"

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
