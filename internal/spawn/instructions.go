package spawn

import (
	"fmt"
	"strings"
)

// Section headings injected into every child task. Presence of a heading in
// the task text suppresses that section, so callers can override any of them
// without ending up with duplicates.
const (
	headingDirectives = "## Execution Directives"
	headingRouting    = "## Reply Routing"
	headingProgress   = "## Progress Updates"
)

// buildInstructions assembles the structural instruction sections appended to
// a child's task.
func buildInstructions(req Request) string {
	var sections []string

	if !strings.Contains(req.Task, headingDirectives) {
		var b strings.Builder
		b.WriteString(headingDirectives + "\n")
		if req.Model != "" {
			fmt.Fprintf(&b, "Run on model %s.\n", req.Model)
		}
		if req.Thinking != "" {
			fmt.Fprintf(&b, "Use thinking level %s.\n", req.Thinking)
		}
		if req.Model == "" && req.Thinking == "" {
			b.WriteString("Use your session's configured model and thinking level.\n")
		}
		sections = append(sections, b.String())
	}

	// Routing is only pinnable when the requester's address carries a topic;
	// pinning to the bare stream would scatter replies across topics.
	if req.Requester.ReplyTopic != "" && !strings.Contains(req.Task, headingRouting) {
		sections = append(sections, fmt.Sprintf(
			"%s\nSend every outward message to stream %q, topic %q. Never post to the stream without the topic.\n",
			headingRouting, req.Requester.ReplyStream, req.Requester.ReplyTopic))
	}

	if !strings.Contains(req.Task, headingProgress) {
		sections = append(sections, headingProgress+"\n"+
			"Post a brief status message immediately, then an update at least every few minutes while working, then a final summary on completion.\n")
	}

	return strings.Join(sections, "\n")
}
