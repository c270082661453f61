package artifact

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind is the closed set of artifact kinds the engine knows how to render
// and regenerate.
type Kind string

const (
	KindCode Kind = "code"
)

var ErrUnsupportedKind = errors.New("unsupported document kind")

// Kinds lists every registered kind.
func Kinds() []Kind {
	return []Kind{KindCode}
}

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

func (k Kind) Validate() error {
	switch k {
	case KindCode:
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedKind, "kind %q", string(k))
	}
}

func (k Kind) String() string {
	return string(k)
}
