package wire

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/mailfile/mailfile/internal/utils"
)

// FormatVersion is the wire format emitted by this codec. Decoders accept any
// minor revision of the same major number.
const FormatVersion = "1.0"

const formatMajor = "1"

// Wire header names. All values are textual; unknown headers are ignored so
// newer writers can extend the format.
const (
	hdrFormat      = "X-Mailfile-Format"
	hdrPath        = "X-Mailfile-Path"
	hdrRevision    = "X-Mailfile-Revision"
	hdrParents     = "X-Mailfile-Parents"
	hdrContentHash = "X-Mailfile-Content-Hash"
	hdrAuthor      = "X-Mailfile-Author"
	hdrTimestamp   = "X-Mailfile-Timestamp"
	hdrFlags       = "X-Mailfile-Flags"
	hdrScheme      = "X-Mailfile-Encryption"
	hdrNonce       = "X-Mailfile-Nonce"
	hdrLockExpires = "X-Mailfile-Lock-Expires"
)

var (
	// ErrCorruptObject is returned for messages that are not valid mailfile
	// objects: missing mandatory headers, bad values, undecodable body.
	ErrCorruptObject = errors.New("corrupt object")
	// ErrUnsupportedVersion is returned when the format major version is not
	// one this codec understands.
	ErrUnsupportedVersion = errors.New("unsupported format version")
)

const bodyLineLen = 76

// Encode serializes a revision as a transport message: a textual header
// block, a blank line and a base64 body. The layout is deliberately close to
// an RFC 2822 message so the objects survive (and are recognizable in) a
// plain mail folder.
func Encode(rev *Revision) ([]byte, error) {
	if rev.Path == "" || rev.ID == "" {
		return nil, fmt.Errorf("%w: revision missing path or id", ErrCorruptObject)
	}
	if rev.Author == "" {
		return nil, fmt.Errorf("%w: revision missing author", ErrCorruptObject)
	}

	var b strings.Builder
	writeHeader := func(name, value string) {
		if value != "" {
			b.WriteString(name + ": " + value + "\r\n")
		}
	}

	// Ornamental, for mail clients browsing the folder.
	writeHeader("Subject", "[mailfile] "+rev.Path)
	writeHeader("X-Keep-On-Server", "manual-delete, not-email")
	writeHeader("Content-Type", "application/x-mailfile")

	writeHeader(hdrFormat, FormatVersion)
	writeHeader(hdrPath, rev.Path)
	writeHeader(hdrRevision, rev.ID)
	writeHeader(hdrParents, strings.Join(rev.Parents, " "))
	writeHeader(hdrContentHash, rev.ContentHash)
	writeHeader(hdrAuthor, rev.Author)
	writeHeader(hdrTimestamp, rev.Timestamp.UTC().Format(time.RFC3339))
	writeHeader(hdrFlags, rev.Flags.String())
	writeHeader(hdrScheme, rev.Scheme)
	writeHeader(hdrNonce, rev.Nonce)
	if !rev.LockExpires.IsZero() {
		writeHeader(hdrLockExpires, rev.LockExpires.UTC().Format(time.RFC3339))
	}
	b.WriteString("\r\n")

	if len(rev.Payload) > 0 {
		encoded := base64.StdEncoding.EncodeToString(rev.Payload)
		for len(encoded) > bodyLineLen {
			b.WriteString(encoded[:bodyLineLen] + "\r\n")
			encoded = encoded[bodyLineLen:]
		}
		b.WriteString(encoded + "\r\n")
	}

	return []byte(b.String()), nil
}

// Decode parses a transport message back into a revision. Messages that are
// not mailfile objects, or that miss mandatory headers, fail with
// ErrCorruptObject; messages from an incompatible future format fail with
// ErrUnsupportedVersion. Callers scanning a folder skip both.
func Decode(raw []byte) (*Revision, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	headers, err := reader.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return nil, fmt.Errorf("%w: unparsable headers: %v", ErrCorruptObject, err)
	}

	format := headers.Get(hdrFormat)
	if format == "" {
		return nil, fmt.Errorf("%w: not a mailfile object", ErrCorruptObject)
	}
	major, _, _ := strings.Cut(format, ".")
	if major != formatMajor {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, format)
	}

	rev := &Revision{
		ID:          headers.Get(hdrRevision),
		ContentHash: headers.Get(hdrContentHash),
		Author:      headers.Get(hdrAuthor),
		Flags:       ParseFlags(headers.Get(hdrFlags)),
		Scheme:      headers.Get(hdrScheme),
		Nonce:       headers.Get(hdrNonce),
	}

	rev.Path, err = utils.NormalizePath(headers.Get(hdrPath))
	if err != nil {
		return nil, fmt.Errorf("%w: bad path %q", ErrCorruptObject, headers.Get(hdrPath))
	}
	if rev.ID == "" || rev.Author == "" || rev.Nonce == "" {
		return nil, fmt.Errorf("%w: missing mandatory headers", ErrCorruptObject)
	}

	ts := headers.Get(hdrTimestamp)
	if ts == "" {
		return nil, fmt.Errorf("%w: missing timestamp", ErrCorruptObject)
	}
	rev.Timestamp, err = time.Parse(time.RFC3339, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrCorruptObject, ts)
	}
	rev.Timestamp = rev.Timestamp.UTC()

	if parents := headers.Get(hdrParents); parents != "" {
		rev.Parents = strings.Fields(parents)
	}
	if rev.Scheme == "" {
		rev.Scheme = "none"
	}
	if expires := headers.Get(hdrLockExpires); expires != "" {
		rev.LockExpires, err = time.Parse(time.RFC3339, expires)
		if err != nil {
			return nil, fmt.Errorf("%w: bad lock expiry %q", ErrCorruptObject, expires)
		}
		rev.LockExpires = rev.LockExpires.UTC()
	}

	body, err := readBody(reader)
	if err != nil {
		return nil, err
	}
	rev.Payload = body

	if len(rev.Payload) > 0 && rev.ContentHash == "" {
		return nil, fmt.Errorf("%w: payload without content hash", ErrCorruptObject)
	}

	return rev, nil
}

func readBody(reader *textproto.Reader) ([]byte, error) {
	var b64 strings.Builder
	for {
		line, err := reader.ReadLine()
		if err != nil {
			break
		}
		b64.WriteString(strings.TrimSpace(line))
	}
	if b64.Len() == 0 {
		return nil, nil
	}
	body, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable body: %v", ErrCorruptObject, err)
	}
	return body, nil
}
