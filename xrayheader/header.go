package xrayheader

import (
	"errors"
	"fmt"
	"strings"

	lambdaotel "github.com/zakharovvi/aws-lambda-otel"
)

const (
	rootKey    = "Root"
	parentKey  = "Parent"
	sampledKey = "Sampled"

	// version is the only X-Ray trace id version defined so far.
	version = "1-"

	epochLen    = 8
	randomLen   = 24
	traceIDLen  = epochLen + randomLen
	parentIDLen = 16
)

var (
	ErrEmpty          = errors.New("tracing header is empty")
	ErrMissingRoot    = errors.New("tracing header has no Root field")
	ErrMalformedField = errors.New("tracing header field is not a key=value pair")
	ErrVersion        = errors.New("unsupported trace id version")
	ErrTraceID        = errors.New("malformed trace id")
	ErrParentID       = errors.New("malformed parent id")
	ErrSampled        = errors.New("malformed sampling decision")
)

// Sampling is the sampling decision carried in the Sampled field.
type Sampling string

const (
	SamplingUnknown   Sampling = ""
	NotSampled        Sampling = "0"
	Sampled           Sampling = "1"
	SamplingRequested Sampling = "?"
)

// Field is a key=value pair of the header other than Root, Parent and Sampled, e.g. Lineage.
type Field struct {
	Key   string
	Value string
}

// Header is a decoded tracing header.
type Header struct {
	// Root is the X-Ray trace id as it appears on the wire: 1-<epoch>-<random>.
	Root string
	// Parent is the 16 hex digits parent segment id. Empty when the header has no Parent field.
	Parent   string
	Sampling Sampling
	Extra    []Field
}

// Parse decodes a tracing header.
// Fields are separated by ';' and may be surrounded by spaces. Unknown fields are kept in Header.Extra.
func Parse(value lambdaotel.TracingValue) (Header, error) {
	s := strings.TrimSpace(string(value))
	if s == "" {
		return Header{}, ErrEmpty
	}

	var h Header
	var hasRoot bool
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Header{}, fmt.Errorf("%w: %q", ErrMalformedField, part)
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		switch key {
		case rootKey:
			if err := validateRoot(val); err != nil {
				return Header{}, err
			}
			h.Root = val
			hasRoot = true
		case parentKey:
			if len(val) != parentIDLen || !isHex(val) {
				return Header{}, fmt.Errorf("%w: %q", ErrParentID, val)
			}
			h.Parent = val
		case sampledKey:
			switch Sampling(val) {
			case NotSampled, Sampled, SamplingRequested:
				h.Sampling = Sampling(val)
			default:
				return Header{}, fmt.Errorf("%w: %q", ErrSampled, val)
			}
		default:
			h.Extra = append(h.Extra, Field{key, val})
		}
	}
	if !hasRoot {
		return Header{}, ErrMissingRoot
	}

	return h, nil
}

// TraceID returns the 32 hex digits trace id: Root without the "1-" version prefix and without hyphens.
// This is the form OpenTelemetry uses for trace ids.
func (h Header) TraceID() string {
	return strings.ReplaceAll(strings.TrimPrefix(h.Root, version), "-", "")
}

// String encodes the header back into the wire format.
func (h Header) String() string {
	var b strings.Builder
	b.WriteString(rootKey + "=" + h.Root)
	if h.Parent != "" {
		b.WriteString(";" + parentKey + "=" + h.Parent)
	}
	if h.Sampling != SamplingUnknown {
		b.WriteString(";" + sampledKey + "=" + string(h.Sampling))
	}
	for _, f := range h.Extra {
		b.WriteString(";" + f.Key + "=" + f.Value)
	}

	return b.String()
}

func validateRoot(root string) error {
	if !strings.HasPrefix(root, version) {
		return fmt.Errorf("%w: %q", ErrVersion, root)
	}
	epoch, random, ok := strings.Cut(root[len(version):], "-")
	if !ok || len(epoch) != epochLen || len(random) != randomLen {
		return fmt.Errorf("%w: %q", ErrTraceID, root)
	}
	if !isHex(epoch) || !isHex(random) {
		return fmt.Errorf("%w: %q", ErrTraceID, root)
	}
	if strings.Trim(epoch+random, "0") == "" {
		return fmt.Errorf("%w: all zeros", ErrTraceID)
	}

	return nil
}

// isHex accepts lowercase hex digits only, like trace.TraceIDFromHex.
func isHex(s string) bool {
	for _, c := range s {
		switch {
		case '0' <= c && c <= '9':
		case 'a' <= c && c <= 'f':
		default:
			return false
		}
	}

	return true
}
