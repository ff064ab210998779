package proto

import (
	"testing"

	"lanpong/internal/testutil"
)

func FuzzDecodePayload(f *testing.F) {
	f.Add([]byte(`{`))
	f.Add([]byte(`{"pad_pos":[1,2],"ready":true}`))
	f.Add([]byte(`{"ball_pos":[1,2,3]}`))
	f.Add([]byte(`{"score_pl1":-1,"game_over":"player1"}`))
	f.Add([]byte(`{"mystery":null}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.MaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			p, err := Decode(data)
			if err != nil {
				return
			}
			// Anything decodable and non-empty must re-encode.
			if !p.Empty() {
				if _, err := Encode(p); err != nil {
					t.Fatalf("decoded payload failed to encode: %v", err)
				}
			}
		})
	})
}

func FuzzDecodeAnnouncement(f *testing.F) {
	f.Add([]byte(`{"host":"10.0.0.2","port":4001,"name":"bob","enc_key":"0304","type":"pong"}`))
	f.Add([]byte(`{"name":"x"}`))
	f.Add([]byte(`{"enc_key":"zz"}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.MaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			a, err := DecodeAnnouncement(data)
			if err != nil {
				return
			}
			if _, err := EncodeAnnouncement(a); err != nil {
				t.Fatalf("decoded announcement failed to encode: %v", err)
			}
		})
	})
}
