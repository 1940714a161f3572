package image

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ternvm/tern/pkg/vm"
)

func testCode(t *testing.T) []byte {
	t.Helper()
	return vm.EncodeProgram([]vm.Instruction{
		vm.Encode(vm.OpMovImm, 1, 0, 0, 0x100),
		vm.Encode(vm.OpLoad8, 0, 1, 0, 0),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	})
}

func testImage(t *testing.T) *Image {
	t.Helper()
	return &Image{
		Name:     "greeter",
		Entry:    0,
		MemSize:  0x200,
		DataAddr: 0x100,
		Code:     testCode(t),
		Data:     []byte("hi"),
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	img := testImage(t)

	raw, err := img.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.Name != img.Name {
		t.Errorf("name = %q, want %q", got.Name, img.Name)
	}
	if got.Entry != img.Entry || got.MemSize != img.MemSize || got.DataAddr != img.DataAddr {
		t.Errorf("geometry = %d/%d/%d, want %d/%d/%d",
			got.Entry, got.MemSize, got.DataAddr, img.Entry, img.MemSize, img.DataAddr)
	}
	if !bytes.Equal(got.Code, img.Code) {
		t.Error("code differs after round trip")
	}
	if !bytes.Equal(got.Data, img.Data) {
		t.Error("data differs after round trip")
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	img := testImage(t)

	raw, err := img.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	packed, err := Compress(raw)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if bytes.Equal(packed[:4], imageMagic) {
		t.Fatal("compressed frame kept the container magic")
	}

	got, err := Deserialize(packed)
	if err != nil {
		t.Fatalf("Deserialize compressed: %v", err)
	}
	if !bytes.Equal(got.Code, img.Code) {
		t.Error("code differs after compressed round trip")
	}
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img := testImage(t)

	for _, compress := range []bool{false, true} {
		path := filepath.Join(dir, "greeter.tern")
		if compress {
			path += ".zst"
		}
		if err := img.WriteFile(path, compress); err != nil {
			t.Fatalf("WriteFile(compress=%v): %v", compress, err)
		}
		got, err := ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile(compress=%v): %v", compress, err)
		}
		if got.Name != img.Name || !bytes.Equal(got.Code, img.Code) {
			t.Fatalf("file round trip (compress=%v) lost content", compress)
		}
	}
}

func TestIDIgnoresCompression(t *testing.T) {
	img := testImage(t)

	id1, err := img.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	id2, err := img.ID()
	if err != nil {
		t.Fatalf("ID again: %v", err)
	}
	if id1 != id2 {
		t.Fatal("ID is not stable")
	}

	changed := testImage(t)
	changed.Data = []byte("ho")
	id3, err := changed.ID()
	if err != nil {
		t.Fatalf("ID changed image: %v", err)
	}
	if id3 == id1 {
		t.Fatal("different content produced the same ID")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Image)
		want   error
	}{
		{"no code", func(i *Image) { i.Code = nil }, ErrNoCode},
		{"misaligned code", func(i *Image) { i.Code = i.Code[:len(i.Code)-3] }, ErrBadGeometry},
		{"entry past the end", func(i *Image) { i.Entry = 1000 }, ErrBadGeometry},
		{"data does not fit", func(i *Image) { i.DataAddr = 0x1ff }, ErrBadGeometry},
		{"oversized memory", func(i *Image) { i.MemSize = vm.MaxMemorySize + 1 }, ErrBadGeometry},
		{"name too long", func(i *Image) { i.Name = string(make([]byte, MaxNameLen+1)) }, ErrNameTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			img := testImage(t)
			tc.mutate(img)
			if err := img.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate = %v, want %v", err, tc.want)
			}
		})
	}

	if err := testImage(t).Validate(); err != nil {
		t.Fatalf("valid image rejected: %v", err)
	}
}

func TestDeserializeRejects(t *testing.T) {
	img := testImage(t)
	raw, err := img.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[0] = 'X'
		if _, err := Deserialize(bad); !errors.Is(err, ErrNotAnImage) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("short header", func(t *testing.T) {
		if _, err := Deserialize(raw[:headerSize-1]); !errors.Is(err, ErrTruncated) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		if _, err := Deserialize(raw[:len(raw)-1]); !errors.Is(err, ErrTruncated) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("trailing garbage", func(t *testing.T) {
		if _, err := Deserialize(append(append([]byte(nil), raw...), 0)); !errors.Is(err, ErrTruncated) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("future version", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[4] = 99
		if _, err := Deserialize(bad); !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestNewMachineBoots(t *testing.T) {
	img := testImage(t)

	m, err := img.NewMachine(nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	st, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != vm.StateHalted {
		t.Fatalf("state = %s, want halted", st.State)
	}
	// The program loads the first data byte.
	if r0 := m.Registers()[0]; r0 != 'h' {
		t.Fatalf("r0 = %#x, want 'h'", r0)
	}
}

func TestNewMachineHonorsEntry(t *testing.T) {
	img := &Image{
		Name: "entry",
		Code: vm.EncodeProgram([]vm.Instruction{
			vm.Encode(vm.OpHalt, 0, 0, 0, 1),
			vm.Encode(vm.OpHalt, 0, 0, 0, 2),
		}),
		Entry: 1,
	}
	m, err := img.NewMachine(nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	st, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.ExitCode != 2 {
		t.Fatalf("exit code = %d, want 2", st.ExitCode)
	}
}
