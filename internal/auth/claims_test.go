package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

// makeIDToken は署名部分がダミーのJWSを組み立てる。
func makeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	return makeIDTokenWithAlg(t, "RS256", claims)
}

func makeIDTokenWithAlg(t *testing.T, alg string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"` + alg + `","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	sig := base64.RawURLEncoding.EncodeToString([]byte("not-a-real-signature"))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "." + sig
}

func TestIdentityFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		want   Identity
	}{
		{
			name:   "full claims",
			claims: Claims{"sub": "s-1", "email": "taro@example.com", "given_name": "Taro", "family_name": "Yamada"},
			want:   Identity{Subject: "s-1", Email: "taro@example.com", DisplayName: "Taro Yamada"},
		},
		{
			name:   "given name only is trimmed",
			claims: Claims{"sub": "s-1", "email": "taro@example.com", "given_name": "Taro"},
			want:   Identity{Subject: "s-1", Email: "taro@example.com", DisplayName: "Taro"},
		},
		{
			name:   "user_id fallback and user_name",
			claims: Claims{"user_id": "u-9", "email": "hanako@example.com", "user_name": "hanako"},
			want:   Identity{Subject: "u-9", Email: "hanako@example.com", DisplayName: "hanako"},
		},
		{
			name:   "sub wins over user_id",
			claims: Claims{"sub": "s-1", "user_id": "u-9", "email": "a@example.com"},
			want:   Identity{Subject: "s-1", Email: "a@example.com", DisplayName: "a"},
		},
		{
			name:   "synthetic email",
			claims: Claims{"sub": "s-2"},
			want:   Identity{Subject: "s-2", Email: "s-2@xsuaa.local", DisplayName: "s-2"},
		},
		{
			name:   "picture",
			claims: Claims{"sub": "s-3", "email": "p@example.com", "picture": "https://img.example.com/p.png"},
			want:   Identity{Subject: "s-3", Email: "p@example.com", DisplayName: "p", Picture: "https://img.example.com/p.png"},
		},
		{
			name:   "non-string email ignored",
			claims: Claims{"sub": "s-4", "email": 42},
			want:   Identity{Subject: "s-4", Email: "s-4@xsuaa.local", DisplayName: "s-4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IdentityFromClaims(tt.claims, "xsuaa.local")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IdentityFromClaims() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIdentityFromClaims_MissingSubject(t *testing.T) {
	for _, c := range []Claims{{}, {"email": "a@example.com"}, {"sub": "  ", "user_id": ""}} {
		_, err := IdentityFromClaims(c, "xsuaa.local")
		if !errors.Is(err, ErrMissingSubject) {
			t.Errorf("IdentityFromClaims(%v) error = %v, want ErrMissingSubject", c, err)
		}
	}
}

func TestUnverifiedDecoder_Decode(t *testing.T) {
	raw := makeIDToken(t, map[string]any{"sub": "s-1", "email": "taro@example.com", "zid": "tenant"})

	claims, err := UnverifiedDecoder{}.Decode(context.Background(), raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if claims.String("sub") != "s-1" || claims.String("email") != "taro@example.com" {
		t.Errorf("unexpected claims: %v", claims)
	}
}

func TestUnverifiedDecoder_AcceptsAnySigningAlgorithm(t *testing.T) {
	for _, alg := range []string{"RS256", "RS512", "ES384", "PS512", "HS384", "EdDSA"} {
		t.Run(alg, func(t *testing.T) {
			raw := makeIDTokenWithAlg(t, alg, map[string]any{"sub": "s-1"})
			claims, err := UnverifiedDecoder{}.Decode(context.Background(), raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if claims.String("sub") != "s-1" {
				t.Errorf("sub = %q, want s-1", claims.String("sub"))
			}
		})
	}
}

func TestUnverifiedDecoder_RejectsAlgNone(t *testing.T) {
	raw := makeIDTokenWithAlg(t, "none", map[string]any{"sub": "s-1"})
	if _, err := (UnverifiedDecoder{}).Decode(context.Background(), raw); !errors.Is(err, ErrMalformedIdentityToken) {
		t.Errorf("Decode() error = %v, want ErrMalformedIdentityToken", err)
	}
}

func TestUnverifiedDecoder_Malformed(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"two segments":   "abc.def",
		"bad base64":     "###.###.###",
		"payload not json": base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256"}`)) + "." +
			base64.RawURLEncoding.EncodeToString([]byte("not json")) + "." +
			base64.RawURLEncoding.EncodeToString([]byte("sig")),
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := UnverifiedDecoder{}.Decode(context.Background(), raw)
			if !errors.Is(err, ErrMalformedIdentityToken) {
				t.Errorf("Decode() error = %v, want ErrMalformedIdentityToken", err)
			}
		})
	}
}
