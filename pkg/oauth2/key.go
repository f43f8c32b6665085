package oauth2

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
)

// ErrKeyNotFound is returned when neither the environment nor the key file
// provide a private key.
var ErrKeyNotFound = errors.New("private key not found")

// SigningError is returned when the private key cannot be parsed
// or the assertion cannot be signed with it.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("unable to sign assertion: %v", e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// KeySource provides the private key used to sign assertions.
type KeySource interface {
	PrivateKey() (crypto.PrivateKey, error)
}

// EnvOrFileKeySource reads a PEM encoded private key from an environment
// variable, falling back to a file when the variable is unset or empty.
//
// The key is read on every call so that a rotated key file is picked up
// on the next token refresh.
type EnvOrFileKeySource struct {
	logger    log.Logger
	fs        afero.Fs
	envVar    string
	path      string
	lookupEnv func(string) (string, bool)
}

func NewEnvOrFileKeySource(logger log.Logger, fs afero.Fs, envVar, path string) *EnvOrFileKeySource {
	return &EnvOrFileKeySource{
		logger:    log.With(logger, "component", "oauth2/key"),
		fs:        fs,
		envVar:    envVar,
		path:      path,
		lookupEnv: os.LookupEnv,
	}
}

func (s *EnvOrFileKeySource) PrivateKey() (crypto.PrivateKey, error) {
	data, err := s.read()
	if err != nil {
		return nil, err
	}

	key, err := loadPrivateKey(data)
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	return key, nil
}

func (s *EnvOrFileKeySource) read() ([]byte, error) {
	if len(s.envVar) > 0 {
		if v, ok := s.lookupEnv(s.envVar); ok && len(strings.TrimSpace(v)) > 0 {
			level.Debug(s.logger).Log("msg", "found private key in environment", "env", s.envVar, "length", len(v))
			// Keys pasted into single line variables often carry escaped newlines.
			return []byte(strings.ReplaceAll(v, `\n`, "\n")), nil
		}
	}

	if len(s.path) == 0 {
		return nil, fmt.Errorf("%w: %s is not set and no key file is configured", ErrKeyNotFound, s.envVar)
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s is not set and %s does not exist", ErrKeyNotFound, s.envVar, s.path)
		}
		return nil, fmt.Errorf("unable to read key file %s: %w", s.path, err)
	}
	level.Debug(s.logger).Log("msg", "loaded private key from file", "path", s.path)
	return data, nil
}

// loadPrivateKey loads a private key from PEM/DER-encoded data.
func loadPrivateKey(data []byte) (crypto.PrivateKey, error) {
	input := data

	block, _ := pem.Decode(data)
	if block != nil {
		input = block.Bytes
	}

	priv, err0 := x509.ParsePKCS1PrivateKey(input)
	if err0 == nil {
		return priv, nil
	}

	priv8, err1 := x509.ParsePKCS8PrivateKey(input)
	if err1 == nil {
		return priv8, nil
	}

	privEC, err2 := x509.ParseECPrivateKey(input)
	if err2 == nil {
		return privEC, nil
	}

	return nil, fmt.Errorf("unable to parse private key data: '%s', '%s' and '%s'", err0, err1, err2)
}
