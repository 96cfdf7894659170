// Package canon computes the canonical content hash used to compare mail
// files across replicas without transferring their bytes.
package canon

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// tuidPrefix is the header line that gets stripped before hashing. Some
// delivery tooling (e.g. mbsync) rewrites this header on every run even
// though the message body is unchanged; including it in the hash would
// make every such message look like new content on every sync.
var tuidPrefix = []byte("X-TUID: ")

// Digest computes the canonical hash of r: SHA-256 over the byte stream
// with any "X-TUID: ...\n" header line removed. Header scanning stops at
// the first blank line (end of headers); everything after that feeds the
// hash unmodified, matching RFC 822 semantics. Streaming — r is never
// buffered in full.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	br := bufio.NewReader(r)
	inHeaders := true

	for {
		if !inHeaders {
			if _, err := io.Copy(h, br); err != nil {
				return "", fmt.Errorf("canon: reading body: %w", err)
			}

			break
		}

		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if !bytes.HasPrefix(line, tuidPrefix) {
				h.Write(line)
			}

			if isBlankHeaderLine(line) {
				inHeaders = false
			}
		}

		if err != nil {
			if err == io.EOF {
				break
			}

			return "", fmt.Errorf("canon: reading headers: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// isBlankHeaderLine reports whether line is the header/body separator:
// "\n" or "\r\n" alone.
func isBlankHeaderLine(line []byte) bool {
	trimmed := bytes.TrimRight(line, "\r\n")
	return len(trimmed) == 0 && len(line) > 0
}

// DigestFile computes the canonical hash (see Digest) of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("canon: opening %s: %w", path, err)
	}
	defer f.Close()

	digest, err := Digest(f)
	if err != nil {
		return "", fmt.Errorf("canon: hashing %s: %w", path, err)
	}

	return digest, nil
}
