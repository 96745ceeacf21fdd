package sandbox

import "testing"

func TestChannel_SealInputOpenOutputRoundTrip(t *testing.T) {
	host, err := GenerateChannelKeypair()
	if err != nil {
		t.Fatalf("GenerateChannelKeypair(host): %v", err)
	}
	worker, err := GenerateChannelKeypair()
	if err != nil {
		t.Fatalf("GenerateChannelKeypair(worker): %v", err)
	}

	plaintext := []byte(`{"reflection":"feeling good today"}`)
	sealed, err := SealInput(host, worker.Public[:], plaintext)
	if err != nil {
		t.Fatalf("SealInput: %v", err)
	}

	// The worker independently derives the same shared secret from its own
	// private key and the host's ephemeral public key, so opening from the
	// worker's vantage point (roles swapped) must recover the plaintext.
	recovered, err := OpenOutput(worker, host.Public[:], sealed)
	if err != nil {
		t.Fatalf("OpenOutput from worker side: %v", err)
	}
	if string(recovered) != string(plaintext) {
		t.Fatalf("expected round-tripped plaintext %q, got %q", plaintext, recovered)
	}
}

func TestChannel_OpenOutputRejectsTamperedCiphertext(t *testing.T) {
	host, _ := GenerateChannelKeypair()
	worker, _ := GenerateChannelKeypair()
	sealed, err := SealInput(host, worker.Public[:], []byte("secret"))
	if err != nil {
		t.Fatalf("SealInput: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := OpenOutput(worker, host.Public[:], sealed); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestChannel_WrongPeerKeyFailsToOpen(t *testing.T) {
	host, _ := GenerateChannelKeypair()
	worker, _ := GenerateChannelKeypair()
	stranger, _ := GenerateChannelKeypair()
	sealed, err := SealInput(host, worker.Public[:], []byte("secret"))
	if err != nil {
		t.Fatalf("SealInput: %v", err)
	}
	if _, err := OpenOutput(stranger, host.Public[:], sealed); err == nil {
		t.Fatal("expected a third party's keypair to fail to open the sealed payload")
	}
}
