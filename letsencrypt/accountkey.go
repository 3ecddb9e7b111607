package letsencrypt

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// ErrUnknownKeyScheme reports an account key URI whose scheme has no
// registered source.
var ErrUnknownKeyScheme = errors.New("unsupported account key URI scheme")

// KeySourceDeps carries the external clients a key source may need.
type KeySourceDeps struct {
	S3  s3iface.S3API
	KMS kmsiface.KMSAPI
}

// KeySourceFunc fetches PEM key material for a parsed account key URI.
type KeySourceFunc func(KeySourceDeps, *url.URL) ([]byte, error)

var keySourcesMutex sync.RWMutex
var keySources = make(map[string]KeySourceFunc)

// RegisterKeySource makes a scheme loadable via LoadAccountKey. New
// credential sources register here; no existing source needs to
// change.
func RegisterKeySource(
	scheme string,
	fn KeySourceFunc,
) {
	keySourcesMutex.Lock()
	defer keySourcesMutex.Unlock()

	if fn == nil {
		panic(fmt.Sprintf("letsencrypt: RegisterKeySource(%q, nil)", scheme))
	}
	if _, dup := keySources[scheme]; dup {
		panic(fmt.Sprintf(
			"letsencrypt: RegisterKeySource called twice for scheme %q", scheme,
		))
	}
	keySources[scheme] = fn
}

func init() {
	RegisterKeySource("file", fileKeySource)
	RegisterKeySource("s3", s3KeySource)
	RegisterKeySource("kms", kmsKeySource)
}

// LoadAccountKey resolves the account key URI through the source
// registered for its scheme and parses the PEM payload. An unknown
// scheme is a fatal configuration error.
func LoadAccountKey(
	deps KeySourceDeps,
	rawURI string,
) (
	crypto.Signer,
	error,
) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("parsing account key URI: %w", err)
	}

	keySourcesMutex.RLock()
	fn, found := keySources[u.Scheme]
	keySourcesMutex.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyScheme, u.Scheme)
	}

	pemBytes, err := fn(deps, u)
	if err != nil {
		return nil, fmt.Errorf("loading account key from %q: %w", rawURI, err)
	}

	return ParsePrivateKeyPEM(pemBytes)
}

// fileKeySource reads a local PEM file: file:///etc/acme/account.pem.
func fileKeySource(
	_ KeySourceDeps,
	u *url.URL,
) (
	[]byte,
	error,
) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	return os.ReadFile(path)
}

// s3KeySource fetches a PEM object: s3://bucket/path/to/account.pem.
func s3KeySource(
	deps KeySourceDeps,
	u *url.URL,
) (
	[]byte,
	error,
) {
	if deps.S3 == nil {
		return nil, fmt.Errorf("no S3 client available")
	}

	key := u.Path
	if len(key) > 0 && key[0] == '/' {
		key = key[1:]
	}

	goParams := &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	}
	goOutput, err := deps.S3.GetObject(goParams)
	if err != nil {
		return nil, err
	}
	defer goOutput.Body.Close()

	return io.ReadAll(goOutput.Body)
}

// kmsKeySource reads a local file of base64 KMS ciphertext and
// decrypts it: kms:///etc/acme/account.pem.encrypted. The plaintext is
// the PEM key.
func kmsKeySource(
	deps KeySourceDeps,
	u *url.URL,
) (
	[]byte,
	error,
) {
	if deps.KMS == nil {
		return nil, fmt.Errorf("no KMS client available")
	}

	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(
		string(bytes.TrimSpace(encoded)),
	)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	dOutput, err := deps.KMS.Decrypt(&kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting account key: %w", err)
	}

	return dOutput.Plaintext, nil
}
