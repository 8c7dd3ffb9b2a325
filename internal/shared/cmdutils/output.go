package cmdutils

import (
	"fmt"
	"io"
)

const logo = "🐬"

// PrintResponse writes a reply to w with the console banner.
func PrintResponse(w io.Writer, conversationKey, text string) {
	if text == "" {
		return
	}

	fmt.Fprintf(w, "\n%s replyflow → %s\n%s\n\n", logo, conversationKey, text)
}
