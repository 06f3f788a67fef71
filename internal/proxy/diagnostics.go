package proxy

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openclaw/clawwrap/internal/gateway"
)

// maxDoctorOutput bounds how much doctor output ends up in a 502 body.
const maxDoctorOutput = 8 * 1024

// DiagnosticBody renders the plain-text 502 page shown while the gateway is
// unreachable, including the last recorded error, exit and doctor output.
func DiagnosticBody(err error, st gateway.Status) string {
	var b strings.Builder

	b.WriteString("Gateway not available")
	if err != nil {
		fmt.Fprintf(&b, ": %v", err)
	}
	b.WriteString("\n\n")
	b.WriteString("Gateway may not be ready (it may still be starting). Wait a few seconds and retry.\n\n")

	b.WriteString("Troubleshooting steps:\n")
	b.WriteString("  1. Check /healthz to see whether the gateway answers on its internal port\n")
	b.WriteString("  2. Open /setup/api/status for the supervisor's view of the gateway\n")
	b.WriteString("  3. Run doctor from /setup/api/debug and review its output\n")
	b.WriteString("  4. Look for [gateway] lines in the supervisor logs\n")

	fmt.Fprintf(&b, "\nGateway state: %s (target %s)\n", st.State, st.Target)
	if st.LastError != "" {
		fmt.Fprintf(&b, "Last gateway error: %s\n", st.LastError)
	}
	if st.LastExit != nil {
		fmt.Fprintf(&b, "Last gateway exit: %s\n", st.LastExit)
	}
	if doctor := strings.TrimSpace(st.LastDiagnostics); doctor != "" {
		if len(doctor) > maxDoctorOutput {
			cut := len(doctor) - maxDoctorOutput
			for cut < len(doctor) && !utf8.RuneStart(doctor[cut]) {
				cut++
			}
			doctor = doctor[cut:] + "\n... [truncated]"
		}
		fmt.Fprintf(&b, "Last doctor output:\n%s\n", doctor)
	}
	return b.String()
}
