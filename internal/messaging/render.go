package messaging

import (
	"fmt"
	"strings"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

// Render flattens an outbound message descriptor into plain text. Channels
// without native interactive elements show buttons and list rows as numbered
// options that the user answers by typing the option's value.
func Render(msg models.OutboundMessage) string {
	switch msg.Kind {
	case models.OutboundKindButtons:
		var b strings.Builder
		b.WriteString(msg.Body)
		for _, button := range msg.Buttons {
			fmt.Fprintf(&b, "\n- Reply \"%s\" to %s", button.ID, strings.ToLower(button.Label))
		}
		return b.String()
	case models.OutboundKindList:
		var b strings.Builder
		b.WriteString(msg.Body)
		for i, row := range msg.Rows {
			fmt.Fprintf(&b, "\n%d. %s", i+1, row.Title)
			if row.Description != "" {
				fmt.Fprintf(&b, " (%s)", row.Description)
			}
		}
		b.WriteString("\nReply with the number of your choice, or \"cancel\".")
		return b.String()
	default:
		return msg.Body
	}
}

// ResolveListReply maps a numbered reply back to the row value it refers to.
// Non-numeric replies pass through unchanged so explicit row IDs and the
// cancel keyword keep working.
func ResolveListReply(msg models.OutboundMessage, input string) string {
	if msg.Kind != models.OutboundKindList {
		return input
	}
	trimmed := strings.TrimSpace(input)
	var n int
	if _, err := fmt.Sscanf(trimmed, "%d", &n); err != nil {
		return input
	}
	if n < 1 || n > len(msg.Rows) {
		return input
	}
	return msg.Rows[n-1].ID
}
