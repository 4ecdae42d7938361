package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// VersionKind discriminates the Version union.
type VersionKind int

const (
	VersionLatest VersionKind = iota
	VersionSnapshot
	VersionAdjustment
)

func (k VersionKind) String() string {
	switch k {
	case VersionLatest:
		return "latest"
	case VersionSnapshot:
		return "snapshot"
	case VersionAdjustment:
		return "adjustment"
	}
	return "unknown"
}

const (
	latestTag         = "latest"
	snapshotPrefix    = "snapshot_"
	adjustmentPrefix  = "adj_"
	adjustmentStampFm = "20060102150405"
)

// Version names one of the data sets stored for a series. Exactly one value
// is Latest; snapshots and adjustments are immutable once written.
type Version struct {
	Kind VersionKind
	// SnapshotID is set for VersionSnapshot.
	SnapshotID string
	// Adjustment, CreatedAt and Nonce are set for VersionAdjustment. Nonce
	// keeps two adjustments of one type within the same second apart.
	Adjustment AdjustmentType
	CreatedAt  time.Time
	Nonce      string
}

// Latest returns the canonical mutable head.
func Latest() Version { return Version{Kind: VersionLatest} }

// SnapshotVersion returns the version holding snapshot id.
func SnapshotVersion(id string) Version {
	return Version{Kind: VersionSnapshot, SnapshotID: id}
}

// AdjustmentVersion returns the version produced by an adjustment of type t
// applied at ts. The timestamp is truncated to whole seconds; nonce must not
// contain '_' and may be empty only for tags written without one.
func AdjustmentVersion(t AdjustmentType, ts time.Time, nonce string) Version {
	return Version{Kind: VersionAdjustment, Adjustment: t, CreatedAt: ts.UTC().Truncate(time.Second), Nonce: nonce}
}

// IsLatest reports whether v is the mutable head.
func (v Version) IsLatest() bool { return v.Kind == VersionLatest }

// String renders the storage tag.
func (v Version) String() string {
	switch v.Kind {
	case VersionSnapshot:
		return snapshotPrefix + v.SnapshotID
	case VersionAdjustment:
		tag := adjustmentPrefix + string(v.Adjustment) + "_" + v.CreatedAt.UTC().Format(adjustmentStampFm)
		if v.Nonce != "" {
			tag += "_" + v.Nonce
		}
		return tag
	default:
		return latestTag
	}
}

// ParseVersion decodes a storage tag.
func ParseVersion(s string) (Version, error) {
	switch {
	case s == latestTag:
		return Latest(), nil
	case strings.HasPrefix(s, snapshotPrefix):
		id := strings.TrimPrefix(s, snapshotPrefix)
		if id == "" {
			return Version{}, fmt.Errorf("version %q: empty snapshot id: %w", s, ErrValidation)
		}
		return SnapshotVersion(id), nil
	case strings.HasPrefix(s, adjustmentPrefix):
		// adj_<type>_<stamp>[_<nonce>]
		parts := strings.Split(strings.TrimPrefix(s, adjustmentPrefix), "_")
		if len(parts) < 2 || len(parts) > 3 || slices.Contains(parts, "") {
			return Version{}, fmt.Errorf("version %q: malformed adjustment tag: %w", s, ErrValidation)
		}
		ts, err := time.Parse(adjustmentStampFm, parts[1])
		if err != nil {
			return Version{}, fmt.Errorf("version %q: bad timestamp: %w", s, ErrValidation)
		}
		t, err := ParseAdjustmentType(parts[0])
		if err != nil {
			return Version{}, fmt.Errorf("version %q: %w", s, err)
		}
		var nonce string
		if len(parts) == 3 {
			nonce = parts[2]
		}
		return AdjustmentVersion(t, ts, nonce), nil
	}
	return Version{}, fmt.Errorf("version %q: unrecognised tag: %w", s, ErrValidation)
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
