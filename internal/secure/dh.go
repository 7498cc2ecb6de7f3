package secure

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// DefaultKeySize is the DH group used when the client does not ask for one.
const DefaultKeySize = 2048

// maxKeygenAttempts bounds the rejection loop in GenerateKey.
const maxKeygenAttempts = 64

var (
	ErrUnsupportedKeySize = errors.New("secure: unsupported DH key size")
	ErrInvalidPublicKey   = errors.New("secure: invalid DH public key")
	ErrKeyGeneration      = errors.New("secure: could not generate DH key pair")
)

// Group is a safe-prime MODP group: P = 2Q + 1 with generator G of order Q.
type Group struct {
	Bits int
	P    *big.Int
	Q    *big.Int
	G    *big.Int
}

// MODP primes from RFC 2409 (group 2) and RFC 3526 (groups 5 and 14).
const (
	modp1024 = `
FFFFFFFF FFFFFFFF C90FDAA2 2168C234 C4C6628B 80DC1CD1
29024E08 8A67CC74 020BBEA6 3B139B22 514A0879 8E3404DD
EF9519B3 CD3A431B 302B0A6D F25F1437 4FE1356D 6D51C245
E485B576 625E7EC6 F44C42E9 A637ED6B 0BFF5CB6 F406B7ED
EE386BFB 5A899FA5 AE9F2411 7C4B1FE6 49286651 ECE65381
FFFFFFFF FFFFFFFF`

	modp1536 = `
FFFFFFFF FFFFFFFF C90FDAA2 2168C234 C4C6628B 80DC1CD1
29024E08 8A67CC74 020BBEA6 3B139B22 514A0879 8E3404DD
EF9519B3 CD3A431B 302B0A6D F25F1437 4FE1356D 6D51C245
E485B576 625E7EC6 F44C42E9 A637ED6B 0BFF5CB6 F406B7ED
EE386BFB 5A899FA5 AE9F2411 7C4B1FE6 49286651 ECE45B3D
C2007CB8 A163BF05 98DA4836 1C55D39A 69163FA8 FD24CF5F
83655D23 DCA3AD96 1C62F356 208552BB 9ED52907 7096966D
670C354E 4ABC9804 F1746C08 CA237327 FFFFFFFF FFFFFFFF`

	modp2048 = `
FFFFFFFF FFFFFFFF C90FDAA2 2168C234 C4C6628B 80DC1CD1
29024E08 8A67CC74 020BBEA6 3B139B22 514A0879 8E3404DD
EF9519B3 CD3A431B 302B0A6D F25F1437 4FE1356D 6D51C245
E485B576 625E7EC6 F44C42E9 A637ED6B 0BFF5CB6 F406B7ED
EE386BFB 5A899FA5 AE9F2411 7C4B1FE6 49286651 ECE45B3D
C2007CB8 A163BF05 98DA4836 1C55D39A 69163FA8 FD24CF5F
83655D23 DCA3AD96 1C62F356 208552BB 9ED52907 7096966D
670C354E 4ABC9804 F1746C08 CA18217C 32905E46 2E36CE3B
E39E772C 180E8603 9B2783A2 EC07A28F B5C55DF0 6F4C52C9
DE2BCBF6 95581718 3995497C EA956AE5 15D22618 98FA0510
15728E5A 8AACAA68 FFFFFFFF FFFFFFFF`
)

var groups = map[int]*Group{
	1024: mustGroup(1024, modp1024),
	1536: mustGroup(1536, modp1536),
	2048: mustGroup(2048, modp2048),
}

func mustGroup(bits int, hex string) *Group {
	p, ok := new(big.Int).SetString(strings.Join(strings.Fields(hex), ""), 16)
	if !ok || p.BitLen() != bits {
		panic(fmt.Sprintf("secure: bad MODP prime for %d bits", bits))
	}
	q := new(big.Int).Rsh(new(big.Int).Sub(p, big.NewInt(1)), 1)
	return &Group{Bits: bits, P: p, Q: q, G: big.NewInt(2)}
}

// GroupFor returns the MODP group for a key size selector. Zero selects DefaultKeySize.
func GroupFor(bits int) (*Group, error) {
	if bits == 0 {
		bits = DefaultKeySize
	}
	g, ok := groups[bits]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeySize, bits)
	}
	return g, nil
}

// SupportedKeySizes lists the key size selectors GroupFor accepts.
func SupportedKeySizes() []int {
	return []int{1024, 1536, 2048}
}

// ByteLen is the fixed encoded length of public values and shared secrets.
func (g *Group) ByteLen() int {
	return (g.Bits + 7) / 8
}

// ValidatePublic applies the safe-prime check: 2 <= y <= p-2 and y^q mod p == 1.
func (g *Group) ValidatePublic(y *big.Int) error {
	pMinus2 := new(big.Int).Sub(g.P, big.NewInt(2))
	if y.Cmp(big.NewInt(2)) < 0 || y.Cmp(pMinus2) > 0 {
		return ErrInvalidPublicKey
	}
	if new(big.Int).Exp(y, g.Q, g.P).Cmp(big.NewInt(1)) != 0 {
		return ErrInvalidPublicKey
	}
	return nil
}

// KeyPair is one side's DH key material for a session.
type KeyPair struct {
	Group   *Group
	private *big.Int
	public  *big.Int
}

// GenerateKey draws a private exponent from [1, p-1] and keeps drawing until
// the resulting public value passes ValidatePublic. A nil reader uses crypto/rand.
func (g *Group) GenerateKey(random io.Reader) (*KeyPair, error) {
	if random == nil {
		random = rand.Reader
	}
	pMinus1 := new(big.Int).Sub(g.P, big.NewInt(1))

	for i := 0; i < maxKeygenAttempts; i++ {
		x, err := rand.Int(random, pMinus1)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
		}
		x.Add(x, big.NewInt(1))

		y := new(big.Int).Exp(g.G, x, g.P)
		if g.ValidatePublic(y) != nil {
			continue
		}
		return &KeyPair{Group: g, private: x, public: y}, nil
	}
	return nil, ErrKeyGeneration
}

// PublicBytes returns the public value as fixed-length big-endian bytes.
func (k *KeyPair) PublicBytes() []byte {
	return k.public.FillBytes(make([]byte, k.Group.ByteLen()))
}

// SharedSecret validates the peer's public value and returns peer^x mod p as
// fixed-length big-endian bytes.
func (k *KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) == 0 || len(peerPublic) > k.Group.ByteLen() {
		return nil, ErrInvalidPublicKey
	}
	y := new(big.Int).SetBytes(peerPublic)
	if err := k.Group.ValidatePublic(y); err != nil {
		return nil, err
	}
	s := new(big.Int).Exp(y, k.private, k.Group.P)
	return s.FillBytes(make([]byte, k.Group.ByteLen())), nil
}
