package payment

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ptrus/rofl-x402-service/internal/config"
)

// Requirements is one entry of the accepts list in a 402 response. The
// fields after Extra are not serialized; they drive verification.
type Requirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`

	Price   *big.Int `json:"-"`
	ChainID int64    `json:"-"`
}

// Policy is the static payment configuration of the service. It produces
// the Requirements for a concrete resource URL.
type Policy struct {
	Network           string
	ChainID           int64
	PayTo             common.Address
	Asset             common.Address
	AssetName         string
	AssetVersion      string
	Decimals          int32
	Price             *big.Int
	MaxTimeoutSeconds int
	Description       string
}

// NewPolicy resolves a policy from configuration.
func NewPolicy(cfg config.PaymentConfig) (*Policy, error) {
	price, err := ParsePrice(cfg.Price, cfg.AssetDecimals)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("invalid payTo address %q", cfg.Address)
	}
	if !common.IsHexAddress(cfg.Asset) {
		return nil, fmt.Errorf("invalid asset address %q", cfg.Asset)
	}
	return &Policy{
		Network:           cfg.Network,
		ChainID:           cfg.ChainID,
		PayTo:             common.HexToAddress(cfg.Address),
		Asset:             common.HexToAddress(cfg.Asset),
		AssetName:         cfg.AssetName,
		AssetVersion:      cfg.AssetVersion,
		Decimals:          cfg.AssetDecimals,
		Price:             price,
		MaxTimeoutSeconds: cfg.MaxTimeoutSeconds,
		Description:       "AI document summarization",
	}, nil
}

// Requirements returns what a caller must pay to access resource.
func (p *Policy) Requirements(resource string) Requirements {
	return Requirements{
		Scheme:            SchemeExact,
		Network:           p.Network,
		MaxAmountRequired: p.Price.String(),
		Resource:          resource,
		Description:       p.Description,
		MimeType:          "application/json",
		PayTo:             p.PayTo.Hex(),
		MaxTimeoutSeconds: p.MaxTimeoutSeconds,
		Asset:             p.Asset.Hex(),
		Extra: map[string]string{
			"name":    p.AssetName,
			"version": p.AssetVersion,
		},
		Price:   new(big.Int).Set(p.Price),
		ChainID: p.ChainID,
	}
}

// DisplayPrice is the price in whole asset units, prefixed with "$".
func (p *Policy) DisplayPrice() string {
	return "$" + FormatUnits(p.Price, p.Decimals)
}

func sameResource(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
