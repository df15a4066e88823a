package answerhash

import "testing"

func TestHash_KnownVector(t *testing.T) {
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Hash("  ABC "); got != want {
		t.Fatalf("Hash() = %s, want %s", got, want)
	}
}

func TestMatches(t *testing.T) {
	stored := Hash("Blue Whale")
	if !Matches("  blue whale\n", stored) {
		t.Fatal("expected normalized answer to match")
	}
	if Matches("blue  whale", stored) {
		t.Fatal("inner whitespace is significant")
	}
	if !Matches("BLUE WHALE", " "+stored+" ") {
		t.Fatal("stored hash whitespace should be ignored")
	}
}
