package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	mirage "github.com/ardelia/mirage"
)

// terminalApprovals prompts for tool approval on the terminal. Deliver
// blocks reading stdin; that is safe here because the REPL goroutine is
// parked inside Loop.Run while an approval is pending, so nothing else
// is reading the same stream.
type terminalApprovals struct {
	in      *bufio.Reader
	manager *mirage.ApprovalManager
}

var _ mirage.ApprovalChannel = (*terminalApprovals)(nil)

func (t *terminalApprovals) Deliver(ctx context.Context, req mirage.ApprovalRequest) error {
	fmt.Printf("\n[approval] %s (risk: %s)\n", req.ToolName, req.Risk)
	if len(req.Args) > 0 {
		fmt.Printf("  args: %s\n", string(req.Args))
	}
	for _, w := range req.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	fmt.Print("  allow? [y]es / [n]o / [a]lways / n[e]ver: ")

	line, err := t.in.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read approval answer: %w", err)
	}

	resp := mirage.ApprovalResponse{DecidedBy: "terminal"}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		resp.Approved = true
	case "a", "always":
		resp.Approved = true
		resp.RememberChoice = true
	case "e", "never":
		resp.RememberChoice = true
	}
	t.manager.Resolve(req.ID, resp)
	return nil
}
