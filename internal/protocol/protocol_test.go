package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestWriteCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		wantErr bool
		want    string
	}{
		{
			name: "plain arguments",
			args: "--version",
			want: "--version\n",
		},
		{
			name: "arguments with quoting left intact",
			args: `-S . -B build -DCMAKE_BUILD_TYPE="Rel Dbg"`,
			want: `-S . -B build -DCMAKE_BUILD_TYPE="Rel Dbg"` + "\n",
		},
		{
			name:    "embedded newline rejected",
			args:    "--build\n--target install",
			wantErr: true,
		},
		{
			name:    "embedded carriage return rejected",
			args:    "--build\r",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteCommand(&buf, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WriteCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && buf.String() != tt.want {
				t.Errorf("WriteCommand() wrote %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestReadStatus(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
		wantEOF bool
	}{
		{name: "success", input: "0\n", want: 0},
		{name: "failure", input: "2\n", want: 2},
		{name: "fatal", input: "-1\n", want: StatusFatal},
		{name: "windows line ending", input: "7\r\n", want: 7},
		{name: "empty stream", input: "", wantEOF: true},
		{name: "garbage", input: "not-a-code\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tt.input))
			got, err := ReadStatus(r)
			if tt.wantEOF {
				if err != io.EOF {
					t.Fatalf("ReadStatus() error = %v, want io.EOF", err)
				}
				return
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadStatus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ReadStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCommand(&buf, "-S . -B build"); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if err := WriteCommand(&buf, QuitSentinel); err != nil {
		t.Fatalf("WriteCommand sentinel: %v", err)
	}

	r := bufio.NewReader(&buf)
	line, err := ReadCommand(r)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if line != "-S . -B build" {
		t.Errorf("ReadCommand() = %q", line)
	}
	line, err = ReadCommand(r)
	if err != nil {
		t.Fatalf("ReadCommand sentinel: %v", err)
	}
	if line != QuitSentinel {
		t.Errorf("ReadCommand() = %q, want sentinel", line)
	}
	if _, err := ReadCommand(r); err != io.EOF {
		t.Fatalf("ReadCommand at end = %v, want io.EOF", err)
	}
}
