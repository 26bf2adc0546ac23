package segment

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// ObjectTimeLayout is the UTC timestamp prefix of remote object keys.
	// Downstream consumers sort keys lexically, so it must not change.
	ObjectTimeLayout = "20060102_150405"

	// Extension is appended to local files and object keys.
	Extension = ".mp4"

	localPrefix = "recording_"

	minBucketLength = 3
	maxBucketLength = 63
)

var (
	ErrInvalidStreamID = errors.New("invalid stream id")
	ErrInvalidBucket   = errors.New("invalid bucket name")
)

// ValidateStreamID rejects identifiers that cannot be embedded in file names
// and object keys.
func ValidateStreamID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStreamID)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '.':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidStreamID, id, r)
		}
	}
	return nil
}

// Namer maps sequence numbers of one stream onto local paths, object keys
// and the stream's bucket. It holds no mutable state.
type Namer struct {
	Dir          string
	StreamID     string
	BucketPrefix string
}

// NewNamer validates the stream identifier and returns a Namer rooted at dir.
func NewNamer(dir, streamID, bucketPrefix string) (Namer, error) {
	if err := ValidateStreamID(streamID); err != nil {
		return Namer{}, err
	}
	if strings.TrimSpace(dir) == "" {
		return Namer{}, fmt.Errorf("segment directory is required")
	}
	return Namer{Dir: dir, StreamID: streamID, BucketPrefix: bucketPrefix}, nil
}

// LocalName returns the base file name for sequence seq, e.g.
// recording_cam1_0.mp4.
func (n Namer) LocalName(seq uint64) string {
	return localPrefix + n.StreamID + "_" + strconv.FormatUint(seq, 10) + Extension
}

// LocalPath joins LocalName with the stream directory.
func (n Namer) LocalPath(seq uint64) string {
	return filepath.Join(n.Dir, n.LocalName(seq))
}

// Pattern is the printf-style output template handed to the media pipeline.
func (n Namer) Pattern() string {
	return filepath.Join(n.Dir, localPrefix+n.StreamID+"_%d"+Extension)
}

// ParseLocalName extracts the sequence number from a file name produced by
// LocalName. Names belonging to other streams are rejected.
func (n Namer) ParseLocalName(name string) (uint64, bool) {
	base := filepath.Base(name)
	prefix := localPrefix + n.StreamID + "_"
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, Extension) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(base, prefix), Extension)
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// ObjectKey returns {UTC timestamp}_{stream id}_segment_{seq}.mp4.
func (n Namer) ObjectKey(at time.Time, seq uint64) string {
	return at.UTC().Format(ObjectTimeLayout) + "_" + n.StreamID + "_segment_" + strconv.FormatUint(seq, 10) + Extension
}

// BucketName derives the stream's bucket from the prefix and stream id.
func (n Namer) BucketName() (string, error) {
	return NormalizeBucketName(n.BucketPrefix + n.StreamID)
}

// NormalizeBucketName folds a free-form name into an S3-compatible bucket
// name: lower case, accents stripped, anything outside [a-z0-9.-] replaced by
// a hyphen, and no leading or trailing punctuation.
func NormalizeBucketName(raw string) (string, error) {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBucket, err)
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	lastHyphen := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	name := strings.Trim(b.String(), "-.")
	if len(name) < minBucketLength || len(name) > maxBucketLength {
		return "", fmt.Errorf("%w: %q must be %d-%d characters", ErrInvalidBucket, name, minBucketLength, maxBucketLength)
	}
	return name, nil
}
