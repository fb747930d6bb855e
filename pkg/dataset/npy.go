package dataset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Minimal codec for the NumPy .npy binary format (version 1.0), covering the
// three dtypes the dataset schema uses: '<f4', '<i8' and '|b1'. Arrays are
// written C-ordered little-endian so the files interoperate with
// numpy.load/savez on the training side.
//
// Format reference: https://numpy.org/doc/stable/reference/generated/numpy.lib.format.html

var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}

const (
	dtypeFloat32 = "<f4"
	dtypeInt64   = "<i8"
	dtypeBool    = "|b1"
)

func npyHeader(descr string, shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)

	// Pad with spaces so magic+version+length+header aligns to 64 bytes,
	// terminated by a newline.
	base := len(npyMagic) + 2 + 2
	total := base + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	buf := &bytes.Buffer{}
	buf.Write(npyMagic)
	buf.WriteByte(1) // major version
	buf.WriteByte(0) // minor version
	lenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBytes, uint16(len(header)))
	buf.Write(lenBytes)
	buf.WriteString(header)
	return buf.Bytes()
}

func writeNpyFloat32(w io.Writer, data []float32, shape []int) error {
	if _, err := w.Write(npyHeader(dtypeFloat32, shape)); err != nil {
		return err
	}
	payload := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(payload)
	return err
}

func writeNpyInt64(w io.Writer, data []int64, shape []int) error {
	if _, err := w.Write(npyHeader(dtypeInt64, shape)); err != nil {
		return err
	}
	payload := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(payload[8*i:], uint64(v))
	}
	_, err := w.Write(payload)
	return err
}

func writeNpyBool(w io.Writer, data []bool, shape []int) error {
	if _, err := w.Write(npyHeader(dtypeBool, shape)); err != nil {
		return err
	}
	payload := make([]byte, len(data))
	for i, v := range data {
		if v {
			payload[i] = 1
		}
	}
	_, err := w.Write(payload)
	return err
}

// readNpy parses an .npy stream and returns its dtype descriptor, shape and
// raw element bytes.
func readNpy(r io.Reader) (descr string, shape []int, raw []byte, err error) {
	head := make([]byte, len(npyMagic)+2+2)
	if _, err = io.ReadFull(r, head); err != nil {
		return "", nil, nil, fmt.Errorf("reading npy preamble: %w", err)
	}
	if !bytes.Equal(head[:len(npyMagic)], npyMagic) {
		return "", nil, nil, fmt.Errorf("not an npy stream")
	}
	if head[len(npyMagic)] != 1 {
		return "", nil, nil, fmt.Errorf("unsupported npy version %d.%d", head[len(npyMagic)], head[len(npyMagic)+1])
	}
	headerLen := binary.LittleEndian.Uint16(head[len(npyMagic)+2:])

	headerBytes := make([]byte, headerLen)
	if _, err = io.ReadFull(r, headerBytes); err != nil {
		return "", nil, nil, fmt.Errorf("reading npy header: %w", err)
	}
	header := string(headerBytes)

	descr, err = headerField(header, "descr")
	if err != nil {
		return "", nil, nil, err
	}
	shape, err = headerShape(header)
	if err != nil {
		return "", nil, nil, err
	}
	if strings.Contains(header, "'fortran_order': True") {
		return "", nil, nil, fmt.Errorf("fortran-ordered npy arrays are not supported")
	}

	raw, err = io.ReadAll(r)
	if err != nil {
		return "", nil, nil, fmt.Errorf("reading npy payload: %w", err)
	}
	return descr, shape, raw, nil
}

func headerField(header, key string) (string, error) {
	marker := "'" + key + "': '"
	start := strings.Index(header, marker)
	if start < 0 {
		return "", fmt.Errorf("npy header missing %s", key)
	}
	rest := header[start+len(marker):]
	end := strings.IndexByte(rest, '\'')
	if end < 0 {
		return "", fmt.Errorf("malformed npy header field %s", key)
	}
	return rest[:end], nil
}

func headerShape(header string) ([]int, error) {
	start := strings.IndexByte(header, '(')
	end := strings.IndexByte(header, ')')
	if start < 0 || end < start {
		return nil, fmt.Errorf("npy header missing shape")
	}
	inner := header[start+1 : end]
	var shape []int
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("malformed npy shape %q: %w", inner, err)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

func npyToFloat32(descr string, raw []byte) ([]float32, error) {
	if descr != dtypeFloat32 {
		return nil, fmt.Errorf("expected dtype %s, got %s", dtypeFloat32, descr)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("float32 payload not a multiple of 4 bytes")
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

func npyToInt64(descr string, raw []byte) ([]int64, error) {
	if descr != dtypeInt64 {
		return nil, fmt.Errorf("expected dtype %s, got %s", dtypeInt64, descr)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("int64 payload not a multiple of 8 bytes")
	}
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return out, nil
}

func npyToBool(descr string, raw []byte) ([]bool, error) {
	if descr != dtypeBool {
		return nil, fmt.Errorf("expected dtype %s, got %s", dtypeBool, descr)
	}
	out := make([]bool, len(raw))
	for i, b := range raw {
		out[i] = b != 0
	}
	return out, nil
}
