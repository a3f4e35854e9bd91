package media

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		size        int64
		ok          bool
	}{
		{name: "png", contentType: "image/png", size: 1024, ok: true},
		{name: "jpeg at cap", contentType: "image/jpeg", size: MaxUploadSize, ok: true},
		{name: "over cap", contentType: "image/png", size: MaxUploadSize + 1, ok: false},
		{name: "empty", contentType: "image/png", size: 0, ok: false},
		{name: "pdf", contentType: "application/pdf", size: 1024, ok: false},
		{name: "no type", contentType: "", size: 1024, ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.contentType, tc.size)
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}
