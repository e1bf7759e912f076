package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	facetCutTypeHash = ethcrypto.Keccak256(
		[]byte("FacetCut(address facetAddress,uint8 action,bytes4[] functionSelectors)"),
	)

	metaCreateTypeHash = ethcrypto.Keccak256(
		[]byte("MetaCreate(string symbol,string metricUrl,uint256 startPrice,address creator,FacetCut[] cuts,address initializer,bytes initCalldata,uint256 nonce,uint256 deadline)" +
			"FacetCut(address facetAddress,uint8 action,bytes4[] functionSelectors)"),
	)
)

// MetaDomain identifies the factory contract that verifies meta requests.
type MetaDomain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Signer produces EIP-712 signatures over market creation meta requests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     MetaDomain
	domainSep  []byte // cached EIP-712 domain separator hash
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and the
// factory domain it signs for.
func NewSigner(privateKeyHex string, dom MetaDomain) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	if dom.ChainID <= 0 {
		return nil, fmt.Errorf("crypto/signer: chain id must be positive, got %d", dom.ChainID)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domain:     dom,
		domainSep:  buildDomainSeparator(dom),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the key for transaction signing by the chain adapter.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// SignMetaCreate signs req and returns the 65-byte r || s || v signature with
// v in {27, 28}.
func (s *Signer) SignMetaCreate(req domain.MetaCreateRequest) ([]byte, error) {
	digest, err := MetaCreateDigest(s.domain, req)
	if err != nil {
		return nil, err
	}
	return s.signDigest(digest)
}

// MetaCreateDigest computes the EIP-712 digest a verifier checks for req.
func MetaCreateDigest(dom MetaDomain, req domain.MetaCreateRequest) ([]byte, error) {
	structHash, err := metaCreateStructHash(req)
	if err != nil {
		return nil, err
	}
	return eip712Hash(buildDomainSeparator(dom), structHash), nil
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns
// keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func buildDomainSeparator(dom MetaDomain) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(dom.Name)),
			ethcrypto.Keccak256([]byte(dom.Version)),
			bigIntTo32Bytes(big.NewInt(dom.ChainID)),
			common.LeftPadBytes(dom.VerifyingContract.Bytes(), 32),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the raw
// signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 verifiers expect v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// metaCreateStructHash encodes and hashes a MetaCreateRequest.
func metaCreateStructHash(req domain.MetaCreateRequest) ([]byte, error) {
	p := req.Params
	if p.StartPrice == nil || p.StartPrice.Sign() < 0 {
		return nil, fmt.Errorf("crypto/signer: invalid start price")
	}
	if req.Nonce == nil || req.Deadline == nil {
		return nil, fmt.Errorf("crypto/signer: nonce and deadline are required")
	}
	for _, addr := range []string{p.Creator, p.Initializer} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("crypto/signer: invalid address %q", addr)
		}
	}

	cutHashes := make([][]byte, 0, len(p.Cuts))
	for _, cut := range p.Cuts {
		if !common.IsHexAddress(cut.FacetAddress) {
			return nil, fmt.Errorf("crypto/signer: invalid facet address %q", cut.FacetAddress)
		}
		cutHashes = append(cutHashes, facetCutStructHash(cut))
	}

	return ethcrypto.Keccak256(
		concatBytes(
			metaCreateTypeHash,
			ethcrypto.Keccak256([]byte(p.Symbol)),
			ethcrypto.Keccak256([]byte(p.MetricURL)),
			bigIntTo32Bytes(p.StartPrice),
			addressWord(p.Creator),
			ethcrypto.Keccak256(concatBytes(cutHashes...)),
			addressWord(p.Initializer),
			ethcrypto.Keccak256(p.InitCalldata),
			bigIntTo32Bytes(req.Nonce),
			bigIntTo32Bytes(req.Deadline),
		),
	), nil
}

// facetCutStructHash hashes one FacetCut; bytes4 members are left-aligned in
// their 32-byte word.
func facetCutStructHash(cut domain.FacetCut) []byte {
	words := make([][]byte, 0, len(cut.Selectors))
	for _, sel := range cut.Selectors {
		words = append(words, common.RightPadBytes(sel[:], 32))
	}
	return ethcrypto.Keccak256(
		concatBytes(
			facetCutTypeHash,
			addressWord(cut.FacetAddress),
			bigIntTo32Bytes(big.NewInt(int64(cut.Action))),
			ethcrypto.Keccak256(concatBytes(words...)),
		),
	)
}

func addressWord(hexAddr string) []byte {
	return common.LeftPadBytes(common.HexToAddress(hexAddr).Bytes(), 32)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
