package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"sdforge/sdruntime"
)

// ParametersKey is the tEXt keyword Automatic1111 and compatible tools read
// generation settings from.
const ParametersKey = "parameters"

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// FormatParameters renders info in the Automatic1111 "parameters" layout:
//
//	<prompt>
//	Negative prompt: <negative>
//	Steps: 20, CFG scale: 7.5, Seed: 42, Size: 1024x1024, Model: ..., ...
func FormatParameters(info sdruntime.ImageInfo, index int) string {
	var b strings.Builder
	b.WriteString(info.Prompt)
	if info.NegativePrompt != "" {
		b.WriteString("\nNegative prompt: ")
		b.WriteString(info.NegativePrompt)
	}

	fields := []string{
		fmt.Sprintf("Steps: %d", info.Steps),
		fmt.Sprintf("CFG scale: %g", info.Guidance),
	}
	if info.Seed != nil {
		fields = append(fields, fmt.Sprintf("Seed: %d", *info.Seed))
	}
	fields = append(fields, fmt.Sprintf("Size: %dx%d", info.Width, info.Height))
	if info.ModelID != "" {
		fields = append(fields, "Model: "+info.ModelID)
	}
	if info.Encoder != "" {
		fields = append(fields, "VAE: "+info.Encoder)
	}
	if len(info.Adapters) > 0 {
		parts := make([]string, len(info.Adapters))
		for i, a := range info.Adapters {
			parts[i] = fmt.Sprintf("%s: %g", a.ID, a.Weight)
		}
		fields = append(fields, fmt.Sprintf("Lora weights: %q", strings.Join(parts, ", ")))
	}
	if info.BatchSize > 1 {
		fields = append(fields, fmt.Sprintf("Batch size: %d", info.BatchSize), fmt.Sprintf("Batch pos: %d", index))
	}
	if info.Backend != "" {
		fields = append(fields, "Backend: "+info.Backend)
	}

	b.WriteString("\n")
	b.WriteString(strings.Join(fields, ", "))
	return b.String()
}

// InsertTextChunk returns a copy of the PNG data with a tEXt chunk placed
// right after IHDR.
func InsertTextChunk(data []byte, keyword, text string) ([]byte, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, sdruntime.ErrImageNotPNG
	}
	if keyword == "" || len(keyword) > 79 || strings.ContainsRune(keyword, 0) {
		return nil, fmt.Errorf("invalid tEXt keyword %q", keyword)
	}

	// IHDR is always first: 8 signature + 4 length + 4 type + 13 data + 4 crc.
	ihdrEnd := len(pngSignature) + 8 + 13 + 4
	if len(data) < ihdrEnd || string(data[12:16]) != "IHDR" {
		return nil, fmt.Errorf("PNG does not start with IHDR")
	}

	payload := make([]byte, 0, len(keyword)+1+len(text))
	payload = append(payload, keyword...)
	payload = append(payload, 0)
	payload = append(payload, latin1(text)...)

	var chunk bytes.Buffer
	writeChunk(&chunk, "tEXt", payload)

	out := make([]byte, 0, len(data)+chunk.Len())
	out = append(out, data[:ihdrEnd]...)
	out = append(out, chunk.Bytes()...)
	out = append(out, data[ihdrEnd:]...)
	return out, nil
}

// ReadTextChunk returns the text stored under keyword, or "" if absent.
func ReadTextChunk(data []byte, keyword string) (string, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return "", sdruntime.ErrImageNotPNG
	}

	r := bytes.NewReader(data[len(pngSignature):])
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			return "", fmt.Errorf("read chunk header: %w", err)
		}
		length := binary.BigEndian.Uint32(header[:4])
		ctype := string(header[4:])
		if int64(length) > int64(r.Len()) {
			return "", fmt.Errorf("chunk %s length %d exceeds data", ctype, length)
		}

		body := make([]byte, length+4)
		if _, err := io.ReadFull(r, body); err != nil {
			return "", fmt.Errorf("read chunk %s: %w", ctype, err)
		}

		switch ctype {
		case "tEXt":
			key, value, ok := bytes.Cut(body[:length], []byte{0})
			if ok && string(key) == keyword {
				return fromLatin1(value), nil
			}
		case "IEND":
			return "", nil
		}
	}
}

func writeChunk(w *bytes.Buffer, ctype string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	w.Write(n[:])

	crc := crc32.NewIEEE()
	crc.Write([]byte(ctype))
	crc.Write(data)
	w.WriteString(ctype)
	w.Write(data)

	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	w.Write(n[:])
}

// latin1 encodes s as ISO 8859-1, which tEXt requires. Runes outside the
// range become '?'.
func latin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

func fromLatin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
