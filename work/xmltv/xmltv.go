// Package xmltv reads and writes XMLTV guide documents in streaming fashion.
// Guide files from providers routinely run into hundreds of megabytes, so
// nothing here ever holds a whole document in memory; channels and programmes
// are surfaced one element at a time through callbacks.
package xmltv

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Icon is a channel logo reference.
type Icon struct {
	Src string `xml:"src,attr"`
}

// Channel is an XMLTV channel element.
type Channel struct {
	ID           string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icons        []Icon   `xml:"icon"`
}

// Programme is an XMLTV programme element. The body is carried as raw inner
// XML so titles, descriptions and whatever else the provider ships survive
// untouched when the element is written back out.
type Programme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Inner   string `xml:",innerxml"`
}

// Parse streams a guide document, invoking the callbacks per element.
// Returning an error from a callback aborts the parse.
func Parse(r io.Reader, onChannel func(*Channel) error, onProgramme func(*Programme) error) error {
	decoder := xml.NewDecoder(r)
	decoder.Strict = false

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading guide: %w", err)
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "channel":
			if onChannel == nil {
				if err := decoder.Skip(); err != nil {
					return fmt.Errorf("error reading guide channel: %w", err)
				}
				continue
			}
			var ch Channel
			if err := decoder.DecodeElement(&ch, &start); err != nil {
				return fmt.Errorf("error reading guide channel: %w", err)
			}
			if err := onChannel(&ch); err != nil {
				return err
			}

		case "programme":
			if onProgramme == nil {
				if err := decoder.Skip(); err != nil {
					return fmt.Errorf("error reading guide programme: %w", err)
				}
				continue
			}
			var prog Programme
			if err := decoder.DecodeElement(&prog, &start); err != nil {
				return fmt.Errorf("error reading guide programme: %w", err)
			}
			if err := onProgramme(&prog); err != nil {
				return err
			}
		}
	}
}

// ParseTime parses an XMLTV timestamp, with or without a zone suffix.
// Zoneless timestamps are taken as UTC.
func ParseTime(value string) (time.Time, bool) {
	if t, err := time.Parse("20060102150405 -0700", value); err == nil {
		return t, true
	}
	if t, err := time.Parse("20060102150405", value); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// Icon returns the first icon source of the channel, if any.
func (c *Channel) Icon() string {
	for _, icon := range c.Icons {
		if icon.Src != "" {
			return icon.Src
		}
	}
	return ""
}

// Writer emits an XMLTV document element by element. Channels must all be
// written before the first programme, matching the order the DTD requires.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter starts a guide document on w.
func NewWriter(w io.Writer) *Writer {
	writer := &Writer{w: bufio.NewWriter(w)}
	writer.writeString(xml.Header)
	writer.writeString("<tv>\n")
	return writer
}

// WriteChannel emits one channel element.
func (w *Writer) WriteChannel(ch *Channel) {
	w.writeString(`<channel id="`)
	w.writeEscaped(ch.ID)
	w.writeString("\">")
	for _, name := range ch.DisplayNames {
		w.writeString("<display-name>")
		w.writeEscaped(name)
		w.writeString("</display-name>")
	}
	for _, icon := range ch.Icons {
		if icon.Src == "" {
			continue
		}
		w.writeString(`<icon src="`)
		w.writeEscaped(icon.Src)
		w.writeString("\"/>")
	}
	w.writeString("</channel>\n")
}

// WriteProgramme emits one programme element, inner XML verbatim.
func (w *Writer) WriteProgramme(prog *Programme) {
	w.writeString(`<programme start="`)
	w.writeEscaped(prog.Start)
	w.writeString(`" stop="`)
	w.writeEscaped(prog.Stop)
	w.writeString(`" channel="`)
	w.writeEscaped(prog.Channel)
	w.writeString("\">")
	w.writeString(prog.Inner)
	w.writeString("</programme>\n")
}

// Close terminates the document and flushes. The writer is unusable after.
func (w *Writer) Close() error {
	w.writeString("</tv>\n")
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

func (w *Writer) writeString(s string) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.WriteString(s)
}

func (w *Writer) writeEscaped(s string) {
	if w.err != nil {
		return
	}
	w.err = xml.EscapeText(w.w, []byte(s))
}

var gzipMagic = []byte{0x1f, 0x8b}

// MaybeGunzip wraps r in a gzip reader when the stream starts with the gzip
// magic bytes. Providers serve guides both plain and compressed, frequently
// with content types that lie about which.
func MaybeGunzip(r io.Reader) (io.Reader, error) {
	buffered := bufio.NewReader(r)
	head, err := buffered.Peek(2)
	if err != nil {
		// too short to be compressed, let the xml decoder complain
		return buffered, nil
	}
	if !bytes.Equal(head, gzipMagic) {
		return buffered, nil
	}
	return gzip.NewReader(buffered)
}
