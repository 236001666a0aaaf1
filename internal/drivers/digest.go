package drivers

import (
	"context"
	"crypto/md5"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// doDigest faz a requisição sem Authorization, lê o desafio do 401 e repete
// com a resposta Digest (MD5, qop=auth). Só para requisições sem corpo.
func doDigest(ctx context.Context, client *http.Client, method, rawURL, username, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	authHeader := resp.Header.Get("WWW-Authenticate")
	_ = resp.Body.Close()
	challenge, err := parseDigestAuthHeader(authHeader)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	req2, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req2.Header.Set("Authorization", challenge.authorization(method, u.RequestURI(), username, password, randomHex(16)))
	return client.Do(req2)
}

type digestChallenge struct {
	Realm  string
	Nonce  string
	Qop    string
	Opaque string
}

func (c *digestChallenge) authorization(method, uri, username, password, cnonce string) string {
	const nc = "00000001"
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, c.Realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	response := md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, c.Nonce, nc, cnonce, c.Qop, ha2))

	value := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm=MD5, response="%s", qop=%s, nc=%s, cnonce="%s"`,
		username, c.Realm, c.Nonce, uri, response, c.Qop, nc, cnonce,
	)
	if c.Opaque != "" {
		value += fmt.Sprintf(`, opaque="%s"`, c.Opaque)
	}
	return value
}

var digestRx = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseDigestAuthHeader(h string) (*digestChallenge, error) {
	if !strings.HasPrefix(strings.ToLower(h), "digest ") {
		return nil, fmt.Errorf("WWW-Authenticate não é Digest: %s", h)
	}
	h = strings.TrimSpace(h[len("Digest "):])
	res := &digestChallenge{}
	for _, kv := range digestRx.FindAllStringSubmatch(h, -1) {
		switch strings.ToLower(kv[1]) {
		case "realm":
			res.Realm = kv[2]
		case "nonce":
			res.Nonce = kv[2]
		case "qop":
			// "auth,auth-int" -> auth
			res.Qop = strings.TrimSpace(strings.Split(kv[2], ",")[0])
		case "opaque":
			res.Opaque = kv[2]
		}
	}
	if res.Realm == "" || res.Nonce == "" {
		return nil, fmt.Errorf("realm/nonce ausentes em WWW-Authenticate: %s", h)
	}
	if res.Qop == "" {
		res.Qop = "auth"
	}
	return res, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}
