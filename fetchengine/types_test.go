package fetchengine

import "testing"

func TestRemoteDescriptor_HasValidator(t *testing.T) {
	cases := []struct {
		name string
		desc RemoteDescriptor
		want bool
	}{
		{"neither", RemoteDescriptor{}, false},
		{"etag only", RemoteDescriptor{ETag: `"v1"`}, true},
		{"last-modified only", RemoteDescriptor{LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}, true},
		{"both", RemoteDescriptor{ETag: `"v1"`, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.desc.HasValidator(); got != c.want {
				t.Errorf("HasValidator() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestRemoteDescriptor_SameSource(t *testing.T) {
	cases := []struct {
		name string
		a, b RemoteDescriptor
		want bool
	}{
		{
			name: "matching etags",
			a:    RemoteDescriptor{ETag: `"v1"`},
			b:    RemoteDescriptor{ETag: `"v1"`},
			want: true,
		},
		{
			name: "differing etags",
			a:    RemoteDescriptor{ETag: `"v1"`},
			b:    RemoteDescriptor{ETag: `"v2"`},
			want: false,
		},
		{
			name: "etag present on only one side falls back unknown",
			a:    RemoteDescriptor{ETag: `"v1"`},
			b:    RemoteDescriptor{LastModified: "same"},
			want: false,
		},
		{
			name: "matching last-modified when no etag on either side",
			a:    RemoteDescriptor{LastModified: "same"},
			b:    RemoteDescriptor{LastModified: "same"},
			want: true,
		},
		{
			name: "differing last-modified",
			a:    RemoteDescriptor{LastModified: "a"},
			b:    RemoteDescriptor{LastModified: "b"},
			want: false,
		},
		{
			name: "neither side has any validator",
			a:    RemoteDescriptor{},
			b:    RemoteDescriptor{},
			want: false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.a.SameSource(c.b); got != c.want {
				t.Errorf("SameSource() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestSegmentState_LengthAndRemaining(t *testing.T) {
	s := SegmentState{Start: 10, End: 19, BytesWritten: 4}
	if got := s.Length(); got != 10 {
		t.Errorf("Length() = %d, want 10", got)
	}
	if got := s.Remaining(); got != 6 {
		t.Errorf("Remaining() = %d, want 6", got)
	}
}

func TestSegmentPlan_TotalAndWrittenBytes(t *testing.T) {
	p := SegmentPlan{Segments: []SegmentState{
		{Start: 0, End: 9, BytesWritten: 10},
		{Start: 10, End: 29, BytesWritten: 5},
	}}
	if got := p.TotalBytes(); got != 30 {
		t.Errorf("TotalBytes() = %d, want 30", got)
	}
	if got := p.BytesWritten(); got != 15 {
		t.Errorf("BytesWritten() = %d, want 15", got)
	}
}
