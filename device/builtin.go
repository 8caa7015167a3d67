package device

// Null discards writes and reads as EOF, the canonical /dev/null char
// device used to exercise the char-device dispatch path in tests.
type Null struct{}

func (Null) Read(buf []byte) (int, error)  { return 0, nil }
func (Null) Write(buf []byte) (int, error) { return len(buf), nil }

// Zero reads as an endless stream of zero bytes and discards writes, the
// canonical /dev/zero char device.
type Zero struct{}

func (Zero) Read(buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

func (Zero) Write(buf []byte) (int, error) { return len(buf), nil }
