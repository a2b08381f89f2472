// Package tui renders engine state and execution results for the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/docker/go-units"

	"github.com/hkuds/pybox/internal/history"
	"github.com/hkuds/pybox/internal/sandbox"
)

// Status display styles.
var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("205")).
				MarginBottom(1).
				Padding(0, 1)

	statusBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2).
			Width(64)

	statusSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39")).
				MarginTop(1)

	statusLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252")).
				Width(18)

	statusValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("255"))

	statusEnabledStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("82")).
				Bold(true)

	statusDisabledStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	statusWarningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)

	streamHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Bold(true)
)

// Status is what RenderStatus shows.
type Status struct {
	Policy sandbox.Policy
	// BackendErr is the result of pinging the isolation backend.
	BackendErr  error
	HistoryPath string // empty when history is disabled
	ListenAddr  string
}

// RenderStatus renders the resolved policy and backend health in a box.
func RenderStatus(st Status) string {
	var sb strings.Builder

	sb.WriteString(statusTitleStyle.Render("pybox Sandbox Status"))
	sb.WriteString("\n\n")

	sb.WriteString(statusSectionStyle.Render("Backend"))
	sb.WriteString("\n")
	if st.BackendErr != nil {
		sb.WriteString(renderStatusRow("Docker", statusErrorStyle.Render("unreachable")))
		sb.WriteString(renderStatusRow("", statusWarningStyle.Render(shorten(st.BackendErr.Error(), 44))))
	} else {
		sb.WriteString(renderStatusRow("Docker", statusEnabledStyle.Render("reachable")))
	}
	runtime := st.Policy.Runtime
	if runtime == "" {
		runtime = "default (runc)"
	}
	sb.WriteString(renderStatusRow("Runtime", statusValueStyle.Render(runtime)))
	sb.WriteString(renderStatusRow("Image", statusValueStyle.Render(st.Policy.Image)))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Limits"))
	sb.WriteString("\n")
	sb.WriteString(renderPolicy(st.Policy))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Services"))
	sb.WriteString("\n")
	if st.HistoryPath != "" {
		sb.WriteString(renderStatusRow("History", statusValueStyle.Render(st.HistoryPath)))
	} else {
		sb.WriteString(renderStatusRow("History", statusDisabledStyle.Render("disabled")))
	}
	if st.ListenAddr != "" {
		sb.WriteString(renderStatusRow("API", statusValueStyle.Render(st.ListenAddr)))
	}

	return statusBoxStyle.Render(sb.String())
}

func renderPolicy(p sandbox.Policy) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Memory", statusValueStyle.Render(units.BytesSize(float64(p.MemoryBytes))+" (no swap)")))
	sb.WriteString(renderStatusRow("CPU", statusValueStyle.Render(fmt.Sprintf("%.2f core", p.CPUQuota))))
	sb.WriteString(renderStatusRow("Timeout", statusValueStyle.Render(p.Timeout.String())))
	sb.WriteString(renderStatusRow("  Grace", statusValueStyle.Render(p.GracePeriod.String())))
	sb.WriteString(renderStatusRow("Processes", statusValueStyle.Render(fmt.Sprintf("%d", p.PidsLimit))))
	sb.WriteString(renderStatusRow("Scratch", statusValueStyle.Render(units.BytesSize(float64(p.ScratchBytes)))))
	sb.WriteString(renderStatusRow("Output cap", statusValueStyle.Render(fmt.Sprintf("%d bytes/stream", p.MaxOutputBytes))))
	sb.WriteString(renderStatusRow("User", statusValueStyle.Render(p.User)))
	if p.NetworkEnabled {
		sb.WriteString(renderStatusRow("Network", statusWarningStyle.Render("enabled")))
	} else {
		sb.WriteString(renderStatusRow("Network", statusEnabledStyle.Render("disabled")))
	}

	return sb.String()
}

// RenderOutcome renders one execution result.
func RenderOutcome(out sandbox.Outcome) string {
	var sb strings.Builder

	sb.WriteString(kindBadge(out))
	sb.WriteString(statusDisabledStyle.Render(fmt.Sprintf("  %s", out.Elapsed.Round(time.Millisecond))))
	sb.WriteString("\n")

	writeStream(&sb, "stdout", out.Stdout, out.StdoutTruncated)
	writeStream(&sb, "stderr", out.Stderr, out.StderrTruncated)
	return sb.String()
}

func kindBadge(out sandbox.Outcome) string {
	switch out.Kind {
	case sandbox.KindSuccess:
		return statusEnabledStyle.Render("✓ success")
	case sandbox.KindNonZeroExit:
		code := "?"
		if out.ExitCode != nil {
			code = fmt.Sprintf("%d", *out.ExitCode)
		}
		return statusWarningStyle.Render("✗ exit " + code)
	case sandbox.KindTimeout:
		return statusErrorStyle.Render("⏱ timeout")
	case sandbox.KindResourceKilled:
		return statusErrorStyle.Render("✗ killed (memory limit)")
	case sandbox.KindProvisioningFailed:
		return statusErrorStyle.Render("✗ sandbox unavailable: " + out.Reason)
	}
	return statusErrorStyle.Render("✗ failed: " + out.Reason)
}

func writeStream(sb *strings.Builder, name, content string, truncated bool) {
	if content == "" {
		return
	}
	sb.WriteString(streamHeaderStyle.Render("── " + name))
	sb.WriteString("\n")
	sb.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
	if truncated {
		sb.WriteString(statusWarningStyle.Render("… output truncated"))
		sb.WriteString("\n")
	}
}

// RenderHistory renders stored executions, one per line.
func RenderHistory(records []history.Record) string {
	if len(records) == 0 {
		return statusDisabledStyle.Render("No executions recorded.") + "\n"
	}

	var sb strings.Builder
	for _, rec := range records {
		out := sandbox.Outcome{Kind: rec.Kind, ExitCode: rec.ExitCode, Reason: rec.Reason}
		fmt.Fprintf(&sb, "%s  %s  %-24s %s\n",
			statusDisabledStyle.Render(rec.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			statusValueStyle.Render(rec.ID[:min(8, len(rec.ID))]),
			kindBadge(out),
			shorten(strings.SplitN(strings.TrimSpace(rec.Code), "\n", 2)[0], 40),
		)
	}
	return sb.String()
}

// renderStatusRow renders a label-value row.
func renderStatusRow(label, value string) string {
	if label == "" {
		return fmt.Sprintf("  %s\n", value)
	}
	return fmt.Sprintf("  %s %s\n",
		statusLabelStyle.Render(label+":"),
		value,
	)
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
