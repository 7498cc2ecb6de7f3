package secure

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/luciancaetano/arena/internal/protocol"
)

// TestGroupsAreSafePrimes verifies p and q = (p-1)/2 are both prime
func TestGroupsAreSafePrimes(t *testing.T) {
	t.Parallel()

	for _, bits := range SupportedKeySizes() {
		g, err := GroupFor(bits)
		if err != nil {
			t.Fatalf("GroupFor(%d) failed: %v", bits, err)
		}
		if g.P.BitLen() != bits {
			t.Errorf("group %d: P has %d bits", bits, g.P.BitLen())
		}
		if !g.P.ProbablyPrime(20) {
			t.Errorf("group %d: P is not prime", bits)
		}
		if !g.Q.ProbablyPrime(20) {
			t.Errorf("group %d: Q is not prime", bits)
		}
	}
}

func TestGroupForRejectsUnknownSize(t *testing.T) {
	t.Parallel()

	if _, err := GroupFor(512); !errors.Is(err, ErrUnsupportedKeySize) {
		t.Errorf("GroupFor(512) error = %v, want ErrUnsupportedKeySize", err)
	}

	g, err := GroupFor(0)
	if err != nil || g.Bits != DefaultKeySize {
		t.Errorf("GroupFor(0) = %v, %v; want default group", g, err)
	}
}

// TestSharedSecretAgreement runs a full exchange on every group
func TestSharedSecretAgreement(t *testing.T) {
	t.Parallel()

	for _, bits := range SupportedKeySizes() {
		g, _ := GroupFor(bits)

		alice, err := g.GenerateKey(nil)
		if err != nil {
			t.Fatalf("GenerateKey() failed: %v", err)
		}
		bob, err := g.GenerateKey(nil)
		if err != nil {
			t.Fatalf("GenerateKey() failed: %v", err)
		}

		if len(alice.PublicBytes()) != g.ByteLen() {
			t.Errorf("public key length = %d, want %d", len(alice.PublicBytes()), g.ByteLen())
		}

		s1, err := alice.SharedSecret(bob.PublicBytes())
		if err != nil {
			t.Fatalf("SharedSecret() failed: %v", err)
		}
		s2, err := bob.SharedSecret(alice.PublicBytes())
		if err != nil {
			t.Fatalf("SharedSecret() failed: %v", err)
		}
		if !bytes.Equal(s1, s2) {
			t.Errorf("group %d: shared secrets differ", bits)
		}
	}
}

func TestSharedSecretRejectsInvalidPublicKeys(t *testing.T) {
	t.Parallel()

	g, _ := GroupFor(1024)
	kp, err := g.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}

	pMinus1 := new(big.Int).Sub(g.P, big.NewInt(1))
	tests := []struct {
		name string
		key  []byte
	}{
		{"empty", nil},
		{"zero", []byte{0x00}},
		{"one", []byte{0x01}},
		{"p minus one", pMinus1.Bytes()},
		{"too long", make([]byte, g.ByteLen()+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := kp.SharedSecret(tt.key); !errors.Is(err, ErrInvalidPublicKey) {
				t.Errorf("SharedSecret(%s) error = %v, want ErrInvalidPublicKey", tt.name, err)
			}
		})
	}
}

func newTestPipelines(t *testing.T) (*Pipeline, *Pipeline) {
	t.Helper()

	comp, err := NewCompressor(0)
	if err != nil {
		t.Fatalf("NewCompressor() failed: %v", err)
	}
	t.Cleanup(comp.Close)

	secret := bytes.Repeat([]byte{0x5A}, 128)
	c1, err := NewCipher(secret)
	if err != nil {
		t.Fatalf("NewCipher() failed: %v", err)
	}
	c2, err := NewCipher(secret)
	if err != nil {
		t.Fatalf("NewCipher() failed: %v", err)
	}

	send, recv := NewPipeline(comp), NewPipeline(comp)
	send.SetCipher(c1)
	recv.SetCipher(c2)
	return send, recv
}

// TestPipelineRoundTrip checks Open(Seal(P)) == P for every encrypt/compress combination
func TestPipelineRoundTrip(t *testing.T) {
	t.Parallel()

	send, recv := newTestPipelines(t)
	small := []byte("short payload")
	large := bytes.Repeat([]byte("compressible game state "), 400)

	tests := []struct {
		name      string
		payload   []byte
		policy    Policy
		wantFlags protocol.Flags
	}{
		{"plain", small, Policy{}, 0},
		{"encrypt only", small, Policy{Encrypt: true}, protocol.FlagEncrypted},
		{"compress only", large, Policy{CompressThreshold: 2048}, protocol.FlagCompressed},
		{"compress and encrypt", large, Policy{Encrypt: true, CompressThreshold: 2048}, protocol.FlagCompressed | protocol.FlagEncrypted},
		{"below floor stays raw", small, Policy{CompressThreshold: 1}, 0},
		{"below threshold stays raw", large, Policy{CompressThreshold: len(large) + 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, flags, err := send.Seal(11, 0x0042, tt.payload, tt.policy)
			if err != nil {
				t.Fatalf("Seal() failed: %v", err)
			}
			if flags != tt.wantFlags {
				t.Errorf("Seal() flags = %#02x, want %#02x", flags, tt.wantFlags)
			}

			got, err := recv.Open(11, 0x0042, flags, wire)
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("Open() returned %d bytes, want %d", len(got), len(tt.payload))
			}
		})
	}
}

// TestPipelineBindsHeader verifies ciphertext cannot be replayed under another seq or protocol
func TestPipelineBindsHeader(t *testing.T) {
	t.Parallel()

	send, recv := newTestPipelines(t)
	wire, flags, err := send.Seal(1, 0x10, []byte("secret"), Policy{Encrypt: true})
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	if _, err := recv.Open(2, 0x10, flags, wire); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() with other seq error = %v, want ErrDecrypt", err)
	}
	if _, err := recv.Open(1, 0x11, flags, wire); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() with other protocol error = %v, want ErrDecrypt", err)
	}
}

func TestPipelineWithoutKey(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil)
	if _, _, err := p.Seal(1, 0x10, []byte("x"), Policy{Encrypt: true}); !errors.Is(err, ErrNoSharedKey) {
		t.Errorf("Seal() error = %v, want ErrNoSharedKey", err)
	}
	if _, err := p.Open(1, 0x10, protocol.FlagEncrypted, []byte("x")); !errors.Is(err, ErrNoSharedKey) {
		t.Errorf("Open() error = %v, want ErrNoSharedKey", err)
	}
	if p.HasKey() {
		t.Error("HasKey() = true before SetCipher")
	}
}

func TestDecompressLimit(t *testing.T) {
	t.Parallel()

	comp, err := NewCompressor(4096)
	if err != nil {
		t.Fatalf("NewCompressor() failed: %v", err)
	}
	defer comp.Close()

	bomb := comp.Compress(make([]byte, 64*1024))
	if _, err := comp.Decompress(bomb); !errors.Is(err, ErrDecompress) {
		t.Errorf("Decompress() error = %v, want ErrDecompress", err)
	}
	if _, err := comp.Decompress([]byte("not zstd")); !errors.Is(err, ErrDecompress) {
		t.Errorf("Decompress(garbage) error = %v, want ErrDecompress", err)
	}
}
