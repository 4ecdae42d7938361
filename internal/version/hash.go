package version

import (
	"encoding/hex"
	"io"
	"strconv"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// hashPrefix names the digest so stored hashes can be re-verified if the
// algorithm ever changes.
const hashPrefix = "blake2b256:"

// ContentHash returns a deterministic digest over points. Points are hashed in
// timestamp order and every number is rendered as its shortest exact decimal,
// so equal data always yields the same hash regardless of input order.
func ContentHash(points []domain.MarketPoint) string {
	sorted := append([]domain.MarketPoint(nil), points...)
	domain.SortPoints(sorted)

	h, _ := blake2b.New256(nil)
	for _, p := range sorted {
		writeCanonical(h, p)
	}
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(w io.Writer, p domain.MarketPoint) {
	buf := make([]byte, 0, 128)
	buf = strconv.AppendInt(buf, p.Timestamp.UTC().UnixNano(), 10)
	for _, f := range domain.AllFields {
		buf = append(buf, '|')
		buf = append(buf, decimal.NewFromFloat(p.Get(f)).String()...)
	}
	buf = append(buf, '|')
	if p.AdjustmentFactor != nil {
		buf = append(buf, decimal.NewFromFloat(*p.AdjustmentFactor).String()...)
	}
	buf = append(buf, '|')
	buf = strconv.AppendQuote(buf, p.SourceID)
	buf = append(buf, '\n')
	_, _ = w.Write(buf)
}
