package protocol

import (
	"strings"

	"github.com/cyberinferno/go-pipeproto/channel"
)

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// collapseLineBreaks replaces every line break with a single space so the text
// fits on one line. Single-line framing cannot carry line breaks.
func collapseLineBreaks(text string) string {
	if !strings.ContainsAny(text, "\r\n") {
		return text
	}

	return lineBreaks.Replace(text)
}

// readMessage reads one logical message. In multiline mode lines are collected
// until one equals marker and joined with LineSeparator; otherwise exactly one
// line is read.
func readMessage(ch channel.Channel, multiline bool, marker string) (string, error) {
	if !multiline {
		return ch.ReadLine()
	}

	var lines []string
	for {
		line, err := ch.ReadLine()
		if err != nil {
			return "", err
		}

		if line == marker {
			return strings.Join(lines, LineSeparator), nil
		}

		lines = append(lines, line)
	}
}

// writeMessage writes one logical message and flushes it. In multiline mode the
// text is followed by a marker line; otherwise line breaks are collapsed first.
// The channel is flushed even after a failed write so a listening channel
// always ends the exchange.
func writeMessage(ch channel.Channel, text string, multiline bool, marker string) error {
	if !multiline {
		text = collapseLineBreaks(text)
	}

	err := ch.WriteLine(text)
	if err == nil && multiline {
		err = ch.WriteLine(marker)
	}

	if err != nil {
		_ = ch.Flush()
		return err
	}

	return ch.Flush()
}
