package config

import (
	"testing"

	"github.com/jcalfee/node-zmq-raft/logpd"
)

func TestValidatePeerURL(t *testing.T) {
	valid := []string{
		"tcp://127.0.0.1:8047",
		"tcp://10.0.0.7:1",
		"tcp://192.168.1.2:65535",
		"tcp://[::1]:9000",
	}
	for i, url := range valid {
		if err := ValidatePeerURL(url); err != nil {
			t.Fatalf("#%d: %q rejected: %v", i, url, err)
		}
	}

	invalid := []string{
		"",
		"http://127.0.0.1:8047",
		"tcp://localhost:8047",     // hostname, not ip
		"tcp://127.0.0.1",          // no port
		"tcp://127.0.0.1:0",        // port out of range
		"tcp://127.0.0.1:65536",    // port out of range
		"tcp://0.0.0.0:8047",       // wildcard
		"tcp://[::]:8047",          // wildcard
		"tcp://127.0.0.1:8047/x",   // path
		"tcp://127.0.0.1:8047?x=1", // query
		"tcp://127.0.0.1:8047#f",   // fragment
		"tcp://user@127.0.0.1:80",  // userinfo
	}
	for i, url := range invalid {
		if err := ValidatePeerURL(url); err == nil {
			t.Fatalf("#%d: %q accepted", i, url)
		}
	}
}

func TestClusterValidate(t *testing.T) {
	good := Cluster{
		Peers: []logpd.Peer{
			{ID: 1, URL: "tcp://127.0.0.1:8001"},
			{ID: 2, URL: "tcp://127.0.0.1:8002"},
		},
		Secret: []byte("s"),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid cluster rejected: %v", err)
	}

	dup := good
	dup.Peers = []logpd.Peer{
		{ID: 1, URL: "tcp://127.0.0.1:8001"},
		{ID: 1, URL: "tcp://127.0.0.1:8002"},
	}
	if err := dup.Validate(); err == nil {
		t.Fatal("duplicate peer id accepted")
	}

	nosecret := good
	nosecret.Secret = nil
	if err := nosecret.Validate(); err == nil {
		t.Fatal("empty secret accepted")
	}

	empty := Cluster{Secret: []byte("s")}
	if err := empty.Validate(); err == nil {
		t.Fatal("empty peer set accepted")
	}
}

func TestMajorityOf(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{7, 4},
	}
	for _, test := range tests {
		if got := MajorityOf(test.n); got != test.want {
			t.Fatalf("majority of %d: want %d, got %d", test.n, test.want, got)
		}
	}
}

func TestPeersCodecRoundTrip(t *testing.T) {
	peers := []logpd.Peer{
		{ID: 1, URL: "tcp://127.0.0.1:8001"},
		{ID: 9, URL: "tcp://127.0.0.1:8009"},
	}
	got, err := UnmarshalPeers(MarshalPeers(peers))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != peers[0] || got[1] != peers[1] {
		t.Fatalf("want %v, got %v", peers, got)
	}
}
