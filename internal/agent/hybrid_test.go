package agent

import "testing"

var routeCfg = RouteConfig{
	LargePayloadBytes: 8 * 1024,
	LowPriority:       3,
	BacklogThreshold:  5,
}

func TestDecideModeSignalThreshold(t *testing.T) {
	tests := []struct {
		name string
		in   RouteInput
		want ExecutionMode
	}{
		{
			name: "no signals stays foreground",
			in:   RouteInput{PayloadBytes: 100, Priority: 8, QueueDepth: 10},
			want: ModeForeground,
		},
		{
			name: "one signal stays foreground",
			in:   RouteInput{PayloadBytes: 100, Priority: 2, QueueDepth: 10},
			want: ModeForeground,
		},
		{
			name: "two signals route background",
			in:   RouteInput{PayloadBytes: 100, Priority: 2, QueueDepth: 0},
			want: ModeBackground,
		},
		{
			name: "large payload plus file work",
			in:   RouteInput{PayloadBytes: 16 * 1024, FileBound: true, Priority: 9, QueueDepth: 10},
			want: ModeBackground,
		},
		{
			name: "hint alone is not enough",
			in:   RouteInput{PayloadBytes: 100, Priority: 9, QueueDepth: 10, Hint: ModeBackground},
			want: ModeForeground,
		},
		{
			name: "hint plus queue headroom",
			in:   RouteInput{PayloadBytes: 100, Priority: 9, QueueDepth: 1, Hint: ModeBackground},
			want: ModeBackground,
		},
		{
			name: "backlogged queue suppresses headroom signal",
			in:   RouteInput{PayloadBytes: 100, Priority: 9, QueueDepth: 6, Hint: ModeBackground},
			want: ModeForeground,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecideMode(tt.in, routeCfg); got != tt.want {
				t.Errorf("DecideMode(%+v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestPayloadImpliesFileWork(t *testing.T) {
	if !payloadImpliesFileWork(map[string]any{"export_path": "/tmp/out.csv"}) {
		t.Error("export_path should imply file work")
	}
	if !payloadImpliesFileWork(map[string]any{"csvData": "a,b,c"}) {
		t.Error("csvData should imply file work")
	}
	if payloadImpliesFileWork(map[string]any{"region": "emea", "limit": 10}) {
		t.Error("plain criteria should not imply file work")
	}
	if payloadImpliesFileWork(nil) {
		t.Error("nil payload should not imply file work")
	}
}

func TestPayloadSize(t *testing.T) {
	if payloadSize(nil) != 0 {
		t.Error("nil payload size should be 0")
	}
	if payloadSize(map[string]any{"a": 1}) == 0 {
		t.Error("non-empty payload size should be positive")
	}
}
