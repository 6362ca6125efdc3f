package storage

import "testing"

func TestClipKey(t *testing.T) {
	tests := []struct {
		session, clip, filename, want string
	}{
		{"s1", "c1", "clip_1.mp4", "clips/s1/c1.mp4"},
		{"s1", "c2", "CLIP.WEBM", "clips/s1/c2.webm"},
		{"s1", "c3", "", "clips/s1/c3.mp4"},
		{"s1", "c4", "notes.txt", "clips/s1/c4.mp4"},
		{"../s1", "../c5", "x.mov", "clips/s1/c5.mov"},
	}
	for _, tt := range tests {
		if got := ClipKey(tt.session, tt.clip, tt.filename); got != tt.want {
			t.Errorf("ClipKey(%q, %q, %q) = %q, want %q", tt.session, tt.clip, tt.filename, got, tt.want)
		}
	}
}

func TestContentTypeForKey(t *testing.T) {
	if got := ContentTypeForKey("clips/s/c.webm"); got != "video/webm" {
		t.Errorf("webm = %q", got)
	}
	if got := ContentTypeForKey("clips/s/c.bin"); got != "application/octet-stream" {
		t.Errorf("bin = %q", got)
	}
}
