package keys

import (
	"testing"
)

func TestSignVerifyMessage(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := FromPublicKey(key.PubKey())

	msg := "1.2.3.4:101011543503398abcdef90024"

	sig, err := SignMessage(msg, key)
	if err != nil {
		t.Fatal(err)
	}

	if err := VerifyMessage(pub, sig, msg); err != nil {
		t.Fatalf("signature should verify: %v", err)
	}

	if err := VerifyMessage(pub, sig, msg+"x"); err == nil {
		t.Fatal("signature over a different message should not verify")
	}

	other, _ := GenerateKey()
	if err := VerifyMessage(FromPublicKey(other.PubKey()), sig, msg); err == nil {
		t.Fatal("signature should not verify under another key")
	}
}

func TestVerifyMessageEmptySig(t *testing.T) {
	key, _ := GenerateKey()
	pub := FromPublicKey(key.PubKey())

	if err := VerifyMessage(pub, nil, "msg"); err == nil {
		t.Fatal("empty signature should not verify")
	}
}

func TestMessageDigestDeterministic(t *testing.T) {
	d1 := MessageDigest("hello")
	d2 := MessageDigest("hello")
	if string(d1) != string(d2) {
		t.Fatal("digest should be deterministic")
	}
	if string(d1) == string(MessageDigest("hellp")) {
		t.Fatal("different messages should not collide")
	}
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParsePrivateKeyHex(PrivateKeyHex(key))
	if err != nil {
		t.Fatal(err)
	}

	if PrivateKeyHex(parsed) != PrivateKeyHex(key) {
		t.Fatal("key did not survive the hex round trip")
	}
}
