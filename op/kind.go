package op

import "fmt"

// Kind identifies the role a stage plays in an iteration. The set is closed.
type Kind int

const (
	KindPrepTrain Kind = iota
	KindTrain
	KindPrepMD
	KindMD
	KindReduce
)

// Kinds lists every Kind in iteration order.
var Kinds = []Kind{KindPrepTrain, KindTrain, KindPrepMD, KindMD, KindReduce}

var kindNames = map[Kind]string{
	KindPrepTrain: "prep_train",
	KindTrain:     "train",
	KindPrepMD:    "prep_md",
	KindMD:        "md",
	KindReduce:    "reduce",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Dispatches reports whether stages of this kind hand their work to a dispatcher.
func (k Kind) Dispatches() bool {
	return k == KindTrain || k == KindMD
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown stage kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid stage kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
