package secrets

import "fmt"

// Scope restricts which pipeline stage may resolve a secret.
type Scope string

const (
	ScopeBroker  Scope = "broker"
	ScopeSigning Scope = "signing"
	ScopeBuild   Scope = "build"
	ScopeUpload  Scope = "upload"
	ScopeAny     Scope = "any"
)

func ValidScope(s Scope) bool {
	switch s {
	case ScopeBroker, ScopeSigning, ScopeBuild, ScopeUpload, ScopeAny:
		return true
	}
	return false
}

// Value holds a plaintext credential in transient memory. It redacts itself
// in every formatting and serialization path so a value can not leak into a
// persisted run record or a log line.
type Value []byte

const redacted = "[redacted]"

func (v Value) String() string {
	return redacted
}

func (v Value) GoString() string {
	return redacted
}

func (v Value) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (v Value) MarshalYAML() ([]byte, error) {
	return []byte(redacted), nil
}

// Bytes is the only way to get at the plaintext.
func (v Value) Bytes() []byte {
	return v
}

type Secret struct {
	Name  string
	Scope Scope
	Value Value
}

type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %q not found", e.Name)
}

type ScopeError struct {
	Name      string
	Requested Scope
	Allowed   Scope
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf(
		"secret %q is scoped to %q, requested by %q",
		e.Name, e.Allowed, e.Requested,
	)
}
