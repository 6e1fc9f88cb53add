// Package rag assembles the retrieval pipeline behind a single facade:
// document ingestion, index lifecycle, retrieval, context assembly and
// prompt augmentation.
package rag

import (
	"bytes"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
)

// fallbackEncodings are tried in order when a source file is not valid
// UTF-8. GBK and GB18030 cover legacy Chinese corpora; Latin-1 decodes
// any byte sequence and acts as the terminal fallback for Western text.
var fallbackEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"gbk", simplifiedchinese.GBK},
	{"gb18030", simplifiedchinese.GB18030},
	{"latin-1", charmap.ISO8859_1},
}

// readTextFile reads path and returns its content as UTF-8, trying the
// fallback encodings when the raw bytes are not valid UTF-8. The
// returned encoding name is "utf-8" or the fallback that succeeded.
func readTextFile(path string) (content string, encodingName string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", kerrors.New(kerrors.ErrCodeFileNotFound,
				fmt.Sprintf("source file missing: %s", path), err)
		}
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}

	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}

	for _, fallback := range fallbackEncodings {
		// Decoders are stateful; create one per attempt. x/text decoders
		// substitute U+FFFD for undecodable bytes instead of erroring,
		// so a replacement char in the output means the encoding did not
		// actually fit and the next fallback should be tried.
		decoded, err := fallback.enc.NewDecoder().Bytes(raw)
		if err != nil {
			continue
		}
		if !utf8.Valid(decoded) || bytes.ContainsRune(decoded, utf8.RuneError) {
			continue
		}
		return string(decoded), fallback.name, nil
	}

	return "", "", kerrors.New(kerrors.ErrCodeFileEncoding,
		fmt.Sprintf("cannot decode %s with any supported encoding", path), nil)
}
