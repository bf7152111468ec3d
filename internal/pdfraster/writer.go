// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package pdfraster

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const producer = "twain-bridge"

var literalEscaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, "\r", `\r`, "\n", `\n`)

// literal renders s as a PDF literal string.
func literal(s string) string {
	return "(" + literalEscaper.Replace(s) + ")"
}

// Encode renders p as a PDF/raster document. signer may be nil.
func Encode(p *Page, signer *Signer) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, p, signer); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write renders p as a PDF/raster document into w.
func Write(w io.Writer, p *Page, signer *Signer) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", p.Width, p.Height)
	}
	if p.Resolution <= 0 {
		return fmt.Errorf("invalid resolution %d", p.Resolution)
	}
	stream, dict, err := imageStream(p)
	if err != nil {
		return err
	}

	d := &document{}
	d.header()
	d.object("<< /Type /Catalog /Pages 2 0 R >>")
	d.object("<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	wpt := float64(p.Width) * 72 / float64(p.Resolution)
	hpt := float64(p.Height) * 72 / float64(p.Resolution)
	d.object(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %.2f %.2f] "+
		"/Resources << /XObject << /strip0 4 0 R >> >> /Contents 5 0 R >>", wpt, hpt))
	d.stream(dict, stream)
	d.stream("", []byte(fmt.Sprintf("q %.2f 0 0 %.2f 0 0 cm /strip0 Do Q", wpt, hpt)))

	info := "<< /Producer " + literal(producer)
	if len(p.Metadata) > 0 {
		info += " /TwainDirectMetadata <" + hex.EncodeToString(p.Metadata) + ">"
	}
	if signer != nil {
		info += fmt.Sprintf(" /TwainDirectSignatureProfile %s /TwainDirectSignature <%s>",
			literal(signer.Profile()), hex.EncodeToString(signer.Sign(stream)))
	}
	d.object(info + " >>")
	d.trailer(1, 6)

	_, err = w.Write(d.buf.Bytes())
	return err
}

func imageStream(p *Page) ([]byte, string, error) {
	colorSpace, bpc := "/DeviceGray", 8
	switch p.Format {
	case BW1:
		bpc = 1
	case RGB24:
		colorSpace = "/DeviceRGB"
	case Gray8:
	default:
		return nil, "", fmt.Errorf("unsupported pixel format %v", p.Format)
	}
	dict := fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace %s /BitsPerComponent %d",
		p.Width, p.Height, colorSpace, bpc)

	data := p.Data
	switch p.Compression {
	case None:
		var err error
		data, err = Repack(p.Data, p.BytesPerRow, TightRowBytes(p.Width, p.Format), p.Height)
		if err != nil {
			return nil, "", err
		}
	case Group4:
		if p.Format != BW1 {
			return nil, "", fmt.Errorf("group4 requires bw1, got %v", p.Format)
		}
		dict += fmt.Sprintf(" /Filter /CCITTFaxDecode /DecodeParms << /K -1 /Columns %d /Rows %d /BlackIs1 false >>",
			p.Width, p.Height)
	case JPEG:
		if p.Format == BW1 {
			return nil, "", fmt.Errorf("jpeg requires gray8 or rgb24")
		}
		dict += " /Filter /DCTDecode"
	default:
		return nil, "", fmt.Errorf("unsupported compression %v", p.Compression)
	}
	return data, dict, nil
}

// document accumulates numbered objects and their offsets.
type document struct {
	buf     bytes.Buffer
	offsets []int
}

func (d *document) header() {
	d.buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n%PDF-raster-1.0\n")
}

func (d *document) begin() int {
	d.offsets = append(d.offsets, d.buf.Len())
	n := len(d.offsets)
	fmt.Fprintf(&d.buf, "%d 0 obj\n", n)
	return n
}

func (d *document) object(body string) {
	d.begin()
	d.buf.WriteString(body)
	d.buf.WriteString("\nendobj\n")
}

func (d *document) stream(dict string, data []byte) {
	d.begin()
	if dict != "" {
		dict += " "
	}
	fmt.Fprintf(&d.buf, "<< %s/Length %d >>\nstream\n", dict, len(data))
	d.buf.Write(data)
	d.buf.WriteString("\nendstream\nendobj\n")
}

func (d *document) trailer(root, info int) {
	xref := d.buf.Len()
	fmt.Fprintf(&d.buf, "xref\n0 %d\n0000000000 65535 f \n", len(d.offsets)+1)
	for _, off := range d.offsets {
		fmt.Fprintf(&d.buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&d.buf, "trailer\n<< /Size %d /Root %d 0 R /Info %d 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(d.offsets)+1, root, info, xref)
}
