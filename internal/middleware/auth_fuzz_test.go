package middleware

import (
	"strings"
	"testing"
	"unicode"
)

func FuzzParseBearerToken(f *testing.F) {
	for _, seed := range []string{"Bearer k1.s3cret", "bearer k1.s3cret", "BEARER\tk1.s3cret ", "Basic dXNlcg==", "", "Bearer", "Bearer a b"} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, header string) {
		token, err := parseBearerToken(header)
		if err != nil {
			if token != "" {
				t.Fatalf("parseBearerToken(%q) = %q with error %v", header, token, err)
			}
			return
		}
		if token == "" || strings.ContainsFunc(token, unicode.IsSpace) {
			t.Fatalf("parseBearerToken(%q) = %q, want a single non-blank field", header, token)
		}
		again, err := parseBearerToken("Bearer " + token)
		if err != nil || again != token {
			t.Fatalf("reparse of %q = (%q, %v)", token, again, err)
		}
	})
}

func FuzzCorrelationID(f *testing.F) {
	for _, seed := range []string{"portal-42", "", " batch 7 ", "claim-\u00e9", "\x00"} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, inbound string) {
		id := correlationID(inbound)
		if id == "" || len(id) > maxCorrelationIDLength || strings.ContainsFunc(id, notPrintableASCII) {
			t.Fatalf("correlationID(%q) = %q, want printable ASCII within %d bytes", inbound, id, maxCorrelationIDLength)
		}
	})
}

func FuzzSplitAPIKey(f *testing.F) {
	f.Add("key.secret")
	f.Add("key.")
	f.Add(".secret")
	f.Add("no-dot")

	f.Fuzz(func(t *testing.T, token string) {
		id, secret, ok := SplitAPIKey(token)
		if !ok {
			if id != "" || secret != "" {
				t.Fatalf("SplitAPIKey(%q) returned parts with ok=false", token)
			}
			return
		}
		if id == "" || secret == "" {
			t.Fatalf("SplitAPIKey(%q) = (%q, %q), want non-empty parts", token, id, secret)
		}
		if strings.Contains(id, ".") {
			t.Fatalf("SplitAPIKey(%q) id %q contains a dot", token, id)
		}
	})
}
