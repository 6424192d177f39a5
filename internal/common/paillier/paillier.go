// Package paillier implements the Paillier additively homomorphic
// cryptosystem with g = n+1.
//
// Plaintexts are signed integers in [-n/3, n/3]; negative values are carried
// as n+m. Ciphertexts are tagged with the fingerprint of the public key that
// produced them so a foreign ciphertext is rejected instead of decrypting to
// garbage.
package paillier

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// MinKeyBits is the smallest modulus GenerateKey accepts.
const MinKeyBits = 256

var (
	ErrMessageOutOfRange = errors.New("paillier: message out of range")
	ErrInvalidCiphertext = errors.New("paillier: invalid ciphertext")
	ErrKeyMismatch       = errors.New("paillier: ciphertext was produced under a different public key")
	ErrOverflow          = errors.New("paillier: decrypted value overflowed the plaintext range")
)

var one = big.NewInt(1)

type PublicKey struct {
	N        *big.Int
	NSquared *big.Int
	G        *big.Int

	maxInt *big.Int
	keyID  string
}

// NewPublicKey derives the public key parameters from the modulus n.
func NewPublicKey(n *big.Int) *PublicKey {
	nn := new(big.Int).Set(n)
	sum := sha256.Sum256(nn.Bytes())
	return &PublicKey{
		N:        nn,
		NSquared: new(big.Int).Mul(nn, nn),
		G:        new(big.Int).Add(nn, one),
		maxInt:   new(big.Int).Div(nn, big.NewInt(3)),
		keyID:    hex.EncodeToString(sum[:8]),
	}
}

// KeyID is the fingerprint carried by every ciphertext under this key.
func (pk *PublicKey) KeyID() string {
	return pk.keyID
}

// MaxInt is the largest absolute plaintext value this key encrypts.
func (pk *PublicKey) MaxInt() *big.Int {
	return new(big.Int).Set(pk.maxInt)
}

type PrivateKey struct {
	PublicKey
	P      *big.Int
	Q      *big.Int
	Lambda *big.Int
	Mu     *big.Int
}

// GenerateKey creates a key pair whose modulus is exactly bits long.
func GenerateKey(random io.Reader, bits int) (*PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("paillier: key size %d below minimum %d", bits, MinKeyBits)
	}
	if random == nil {
		random = rand.Reader
	}

	for {
		p, err := rand.Prime(random, bits/2)
		if err != nil {
			return nil, fmt.Errorf("paillier: failed to generate prime: %w", err)
		}
		q, err := rand.Prime(random, bits-bits/2)
		if err != nil {
			return nil, fmt.Errorf("paillier: failed to generate prime: %w", err)
		}
		if p.Cmp(q) == 0 {
			continue
		}
		if new(big.Int).Mul(p, q).BitLen() != bits {
			continue
		}
		return NewPrivateKey(p, q)
	}
}

// NewPrivateKey rebuilds a private key from its two primes.
func NewPrivateKey(p, q *big.Int) (*PrivateKey, error) {
	if p == nil || q == nil || p.Cmp(one) <= 0 || q.Cmp(one) <= 0 {
		return nil, errors.New("paillier: primes must be greater than one")
	}
	if p.Cmp(q) == 0 {
		return nil, errors.New("paillier: primes must differ")
	}

	n := new(big.Int).Mul(p, q)
	pMinus := new(big.Int).Sub(p, one)
	qMinus := new(big.Int).Sub(q, one)
	phi := new(big.Int).Mul(pMinus, qMinus)

	if new(big.Int).GCD(nil, nil, n, phi).Cmp(one) != 0 {
		return nil, errors.New("paillier: gcd(n, phi) must be 1")
	}

	gcd := new(big.Int).GCD(nil, nil, pMinus, qMinus)
	lambda := new(big.Int).Div(phi, gcd)

	// With g = n+1, L(g^lambda mod n^2) = lambda mod n.
	mu := new(big.Int).ModInverse(lambda, n)
	if mu == nil {
		return nil, errors.New("paillier: lambda is not invertible mod n")
	}

	return &PrivateKey{
		PublicKey: *NewPublicKey(n),
		P:         new(big.Int).Set(p),
		Q:         new(big.Int).Set(q),
		Lambda:    lambda,
		Mu:        mu,
	}, nil
}

// Public returns a copy of the public half.
func (sk *PrivateKey) Public() *PublicKey {
	return NewPublicKey(sk.N)
}

// Encrypt encrypts a signed plaintext.
func (pk *PublicKey) Encrypt(random io.Reader, m *big.Int) (*big.Int, error) {
	encoded, err := pk.encode(m)
	if err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.Reader
	}

	r, err := pk.randomUnit(random)
	if err != nil {
		return nil, err
	}

	// c = (1 + m*n) * r^n mod n^2
	gm := new(big.Int).Mul(encoded, pk.N)
	gm.Add(gm, one)
	gm.Mod(gm, pk.NSquared)

	rn := new(big.Int).Exp(r, pk.N, pk.NSquared)

	c := new(big.Int).Mul(gm, rn)
	return c.Mod(c, pk.NSquared), nil
}

// Add combines two ciphertexts so that the result decrypts to the sum of
// their plaintexts.
func (pk *PublicKey) Add(c1, c2 *big.Int) (*big.Int, error) {
	if !pk.validCiphertext(c1) || !pk.validCiphertext(c2) {
		return nil, ErrInvalidCiphertext
	}
	sum := new(big.Int).Mul(c1, c2)
	return sum.Mod(sum, pk.NSquared), nil
}

// Decrypt recovers the signed plaintext of c.
func (sk *PrivateKey) Decrypt(c *big.Int) (*big.Int, error) {
	if !sk.validCiphertext(c) {
		return nil, ErrInvalidCiphertext
	}

	x := new(big.Int).Exp(c, sk.Lambda, sk.NSquared)
	x.Sub(x, one)
	x.Div(x, sk.N)
	x.Mul(x, sk.Mu)
	x.Mod(x, sk.N)

	return sk.decode(x)
}

func (pk *PublicKey) validCiphertext(c *big.Int) bool {
	return c != nil && c.Sign() > 0 && c.Cmp(pk.NSquared) < 0
}

func (pk *PublicKey) encode(m *big.Int) (*big.Int, error) {
	if m == nil || new(big.Int).Abs(m).Cmp(pk.maxInt) > 0 {
		return nil, ErrMessageOutOfRange
	}
	if m.Sign() < 0 {
		return new(big.Int).Add(pk.N, m), nil
	}
	return new(big.Int).Set(m), nil
}

func (pk *PublicKey) decode(x *big.Int) (*big.Int, error) {
	if x.Cmp(pk.maxInt) <= 0 {
		return x, nil
	}
	negative := new(big.Int).Sub(x, pk.N)
	if new(big.Int).Neg(negative).Cmp(pk.maxInt) <= 0 {
		return negative, nil
	}
	return nil, ErrOverflow
}

func (pk *PublicKey) randomUnit(random io.Reader) (*big.Int, error) {
	gcd := new(big.Int)
	for {
		r, err := rand.Int(random, pk.N)
		if err != nil {
			return nil, fmt.Errorf("paillier: failed to draw randomness: %w", err)
		}
		if r.Sign() == 0 {
			continue
		}
		if gcd.GCD(nil, nil, r, pk.N).Cmp(one) == 0 {
			return r, nil
		}
	}
}

// Ciphertext is a ciphertext tagged with the id of the key that produced it.
type Ciphertext struct {
	KeyID string
	C     *big.Int
}

// String renders the wire form "<key-id>:<hex value>".
func (ct Ciphertext) String() string {
	if ct.C == nil {
		return ct.KeyID + ":"
	}
	return ct.KeyID + ":" + ct.C.Text(16)
}

// ParseCiphertext parses the wire form produced by Ciphertext.String.
func ParseCiphertext(s string) (Ciphertext, error) {
	keyID, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || keyID == "" || value == "" {
		return Ciphertext{}, ErrInvalidCiphertext
	}
	if _, err := hex.DecodeString(keyID); err != nil {
		return Ciphertext{}, ErrInvalidCiphertext
	}
	c, ok := new(big.Int).SetString(value, 16)
	if !ok || c.Sign() <= 0 {
		return Ciphertext{}, ErrInvalidCiphertext
	}
	return Ciphertext{KeyID: keyID, C: c}, nil
}

// EncryptInt encrypts m and tags the result with this key's id.
func (pk *PublicKey) EncryptInt(random io.Reader, m *big.Int) (Ciphertext, error) {
	c, err := pk.Encrypt(random, m)
	if err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{KeyID: pk.keyID, C: c}, nil
}

// AddCiphertexts adds two tagged ciphertexts; both must belong to this key.
func (pk *PublicKey) AddCiphertexts(a, b Ciphertext) (Ciphertext, error) {
	if a.KeyID != pk.keyID || b.KeyID != pk.keyID {
		return Ciphertext{}, ErrKeyMismatch
	}
	c, err := pk.Add(a.C, b.C)
	if err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{KeyID: pk.keyID, C: c}, nil
}

// DecryptCiphertext decrypts a tagged ciphertext after checking its key id.
func (sk *PrivateKey) DecryptCiphertext(ct Ciphertext) (*big.Int, error) {
	if ct.KeyID != sk.keyID {
		return nil, ErrKeyMismatch
	}
	return sk.Decrypt(ct.C)
}

type publicKeyJSON struct {
	N string `json:"n"`
}

type privateKeyJSON struct {
	P string `json:"p"`
	Q string `json:"q"`
}

func MarshalPublicKey(pk *PublicKey) ([]byte, error) {
	return json.Marshal(publicKeyJSON{N: pk.N.Text(16)})
}

func ParsePublicKey(data []byte) (*PublicKey, error) {
	var raw publicKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("paillier: malformed public key: %w", err)
	}
	n, ok := new(big.Int).SetString(raw.N, 16)
	if !ok || n.Sign() <= 0 {
		return nil, errors.New("paillier: malformed public key modulus")
	}
	return NewPublicKey(n), nil
}

func MarshalPrivateKey(sk *PrivateKey) ([]byte, error) {
	return json.Marshal(privateKeyJSON{P: sk.P.Text(16), Q: sk.Q.Text(16)})
}

func ParsePrivateKey(data []byte) (*PrivateKey, error) {
	var raw privateKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("paillier: malformed private key: %w", err)
	}
	p, okP := new(big.Int).SetString(raw.P, 16)
	q, okQ := new(big.Int).SetString(raw.Q, 16)
	if !okP || !okQ {
		return nil, errors.New("paillier: malformed private key primes")
	}
	return NewPrivateKey(p, q)
}
