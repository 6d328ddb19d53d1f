package credential

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON returns the deterministic encoding used as signing
// input: JSON with object keys in ascending lexicographic order and no
// insignificant whitespace. Signer and verifier must agree on this
// form; it stands in for JSON-LD normalization.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		eb, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(eb)
	}
	return nil
}

// SigningInput returns the canonical bytes a credential's proof signs:
// the credential with its proof member removed.
func SigningInput(c *Credential) ([]byte, error) {
	unsigned := *c
	unsigned.Proof = nil
	return CanonicalJSON(&unsigned)
}

// PresentationSigningInput returns the canonical bytes a presentation
// proof signs: the presentation with its own proof removed (embedded
// credential proofs stay in place).
func PresentationSigningInput(p *Presentation) ([]byte, error) {
	unsigned := *p
	unsigned.Proof = nil
	return CanonicalJSON(&unsigned)
}

// HashPresentation returns the hex SHA-256 of the presentation's full
// canonical form, used as the verified-role credential hash.
func HashPresentation(p *Presentation) (string, error) {
	canon, err := CanonicalJSON(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
