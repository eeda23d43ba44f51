// Package auth implements Sign-In with Ethereum (EIP-4361) message handling and
// the signed session tokens issued after a successful login.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	headerSuffix    = " wants you to sign in with your Ethereum account:"
	fieldURI        = "URI: "
	fieldVersion    = "Version: "
	fieldChainID    = "Chain ID: "
	fieldNonce      = "Nonce: "
	fieldIssuedAt   = "Issued At: "
	fieldExpiration = "Expiration Time: "
	fieldNotBefore  = "Not Before: "
	fieldRequestID  = "Request ID: "
	fieldResources  = "Resources:"
)

var (
	ErrMalformedMessage = errors.New("malformed SIWE message")
	ErrSignatureInvalid = errors.New("signature does not match message address")
	ErrMessageExpired   = errors.New("message expired")
	ErrMessageNotYet    = errors.New("message not yet valid")
	ErrDomainMismatch   = errors.New("domain mismatch")
	ErrChainMismatch    = errors.New("chain id mismatch")
)

// SiweMessage is an EIP-4361 sign-in message
type SiweMessage struct {
	Domain         string     `json:"domain"`
	Address        string     `json:"address"`
	Statement      string     `json:"statement,omitempty"`
	URI            string     `json:"uri"`
	Version        string     `json:"version"`
	ChainID        int64      `json:"chainId"`
	Nonce          string     `json:"nonce"`
	IssuedAt       time.Time  `json:"issuedAt"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
	NotBefore      *time.Time `json:"notBefore,omitempty"`
	RequestID      string     `json:"requestId,omitempty"`
	Resources      []string   `json:"resources,omitempty"`

	// raw is the exact text the wallet signed when the message arrived in text form
	raw string
}

// ParseMessage parses the EIP-4361 text representation
func ParseMessage(text string) (*SiweMessage, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) < 2 || !strings.HasSuffix(lines[0], headerSuffix) {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedMessage)
	}

	msg := &SiweMessage{raw: text}
	msg.Domain = strings.TrimSuffix(lines[0], headerSuffix)
	if msg.Domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrMalformedMessage)
	}
	msg.Address = strings.TrimSpace(lines[1])
	if !common.IsHexAddress(msg.Address) {
		return nil, fmt.Errorf("%w: invalid address %q", ErrMalformedMessage, msg.Address)
	}

	i := 2
	for i < len(lines) && lines[i] == "" {
		i++
	}
	if i < len(lines) && !strings.HasPrefix(lines[i], fieldURI) {
		msg.Statement = lines[i]
		i++
		for i < len(lines) && lines[i] == "" {
			i++
		}
	}

	var haveIssuedAt, haveChain bool
	for ; i < len(lines); i++ {
		line := lines[i]
		var err error
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, fieldURI):
			msg.URI = strings.TrimPrefix(line, fieldURI)
		case strings.HasPrefix(line, fieldVersion):
			msg.Version = strings.TrimPrefix(line, fieldVersion)
		case strings.HasPrefix(line, fieldChainID):
			msg.ChainID, err = strconv.ParseInt(strings.TrimPrefix(line, fieldChainID), 10, 64)
			haveChain = err == nil
		case strings.HasPrefix(line, fieldNonce):
			msg.Nonce = strings.TrimPrefix(line, fieldNonce)
		case strings.HasPrefix(line, fieldIssuedAt):
			msg.IssuedAt, err = parseTime(strings.TrimPrefix(line, fieldIssuedAt))
			haveIssuedAt = err == nil
		case strings.HasPrefix(line, fieldExpiration):
			var t time.Time
			t, err = parseTime(strings.TrimPrefix(line, fieldExpiration))
			msg.ExpirationTime = &t
		case strings.HasPrefix(line, fieldNotBefore):
			var t time.Time
			t, err = parseTime(strings.TrimPrefix(line, fieldNotBefore))
			msg.NotBefore = &t
		case strings.HasPrefix(line, fieldRequestID):
			msg.RequestID = strings.TrimPrefix(line, fieldRequestID)
		case line == fieldResources:
			for i+1 < len(lines) && strings.HasPrefix(lines[i+1], "- ") {
				i++
				msg.Resources = append(msg.Resources, strings.TrimPrefix(lines[i], "- "))
			}
		default:
			return nil, fmt.Errorf("%w: unexpected line %q", ErrMalformedMessage, line)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	if msg.URI == "" || msg.Version == "" || msg.Nonce == "" || !haveChain || !haveIssuedAt {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedMessage)
	}
	return msg, nil
}

// MessageFromJSON accepts the message as the JSON object some wallets' client
// libraries post instead of the text form.
func MessageFromJSON(data []byte) (*SiweMessage, error) {
	var msg SiweMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Domain == "" || !common.IsHexAddress(msg.Address) || msg.URI == "" || msg.Nonce == "" || msg.IssuedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedMessage)
	}
	if msg.Version == "" {
		msg.Version = "1"
	}
	return &msg, nil
}

// DecodeMessage accepts either a JSON string holding the text form, a JSON
// string holding a serialized object, or the object itself.
func DecodeMessage(raw json.RawMessage) (*SiweMessage, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		trimmed := strings.TrimSpace(text)
		if strings.HasPrefix(trimmed, "{") {
			return MessageFromJSON([]byte(trimmed))
		}
		return ParseMessage(text)
	}
	return MessageFromJSON(raw)
}

// Prepare renders the canonical EIP-4361 text
func (m *SiweMessage) Prepare() string {
	var b strings.Builder
	b.WriteString(m.Domain + headerSuffix + "\n")
	b.WriteString(m.Address + "\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement + "\n")
	}
	b.WriteString("\n")

	fields := []string{
		fieldURI + m.URI,
		fieldVersion + m.Version,
		fieldChainID + strconv.FormatInt(m.ChainID, 10),
		fieldNonce + m.Nonce,
		fieldIssuedAt + formatTime(m.IssuedAt),
	}
	if m.ExpirationTime != nil {
		fields = append(fields, fieldExpiration+formatTime(*m.ExpirationTime))
	}
	if m.NotBefore != nil {
		fields = append(fields, fieldNotBefore+formatTime(*m.NotBefore))
	}
	if m.RequestID != "" {
		fields = append(fields, fieldRequestID+m.RequestID)
	}
	if len(m.Resources) > 0 {
		fields = append(fields, fieldResources)
		for _, r := range m.Resources {
			fields = append(fields, "- "+r)
		}
	}
	b.WriteString(strings.Join(fields, "\n"))
	return b.String()
}

// SignedText is the exact text the signature must cover
func (m *SiweMessage) SignedText() string {
	if m.raw != "" {
		return m.raw
	}
	return m.Prepare()
}

// Validate checks the time window and, when expected values are given, the
// domain and chain the message was issued for.
func (m *SiweMessage) Validate(now time.Time, expectedDomain string, expectedChainID int64) error {
	if m.Version != "1" {
		return fmt.Errorf("%w: unsupported version %q", ErrMalformedMessage, m.Version)
	}
	if m.ExpirationTime != nil && !now.Before(*m.ExpirationTime) {
		return ErrMessageExpired
	}
	if m.NotBefore != nil && now.Before(*m.NotBefore) {
		return ErrMessageNotYet
	}
	if expectedDomain != "" && !strings.EqualFold(m.Domain, expectedDomain) {
		return fmt.Errorf("%w: got %s", ErrDomainMismatch, m.Domain)
	}
	if expectedChainID != 0 && m.ChainID != expectedChainID {
		return fmt.Errorf("%w: got %d", ErrChainMismatch, m.ChainID)
	}
	return nil
}

// VerifySignature recovers the signer of the EIP-191 personal-sign hash of the
// message and checks it against the message address.
func VerifySignature(msg *SiweMessage, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash([]byte(msg.SignedText()))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}

	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(msg.Address) {
		return signer, ErrSignatureInvalid
	}
	return signer, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
