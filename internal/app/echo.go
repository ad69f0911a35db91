package app

// Echo answers every request with its own bytes, unchanged. Used by
// spec.md §8 scenario 2 (slow path, `[1..8]` answered with the same
// `{1..8}` pattern).
type Echo struct{}

func (Echo) Execute(request []byte) ([]byte, error) {
	return append([]byte(nil), request...), nil
}
