package window

// Surface is the character grid backing a window. It interprets the
// following special characters:
//   - \r (carriage-return)
//   - \n (line-feed)
//   - \b (backspace)
//   - \t (tab; expanded to tabWidth spaces)
//
// Output past the last line scrolls the contents up.
type Surface struct {
	width, height uint32
	tabWidth      uint8

	// data holds one byte per character cell.
	data []byte

	// 1-based cursor position.
	cursorX uint32
	cursorY uint32
}

// newSurface returns a blank surface with the supplied dimensions in
// characters.
func newSurface(width, height uint32, tabWidth uint8) *Surface {
	s := &Surface{
		width:    width,
		height:   height,
		tabWidth: tabWidth,
		data:     make([]byte, width*height),
		cursorX:  1,
		cursorY:  1,
	}
	for i := range s.data {
		s.data[i] = ' '
	}
	return s
}

// Dimensions returns the surface width and height in characters.
func (s *Surface) Dimensions() (uint32, uint32) {
	return s.width, s.height
}

// CursorPosition returns the current cursor position.
func (s *Surface) CursorPosition() (uint32, uint32) {
	return s.cursorX, s.cursorY
}

// Line returns the contents of line y (1-based) without trailing blanks.
func (s *Surface) Line(y uint32) string {
	if y < 1 || y > s.height {
		return ""
	}

	row := s.data[(y-1)*s.width : y*s.width]
	end := len(row)
	for end > 0 && row[end-1] == ' ' {
		end--
	}
	return string(row[:end])
}

// writeByte renders b at the cursor position.
func (s *Surface) writeByte(b byte) {
	switch b {
	case '\r':
		s.cursorX = 1
	case '\n':
		s.lf()
	case '\b':
		if s.cursorX > 1 {
			s.cursorX--
			s.data[s.offset()] = ' '
		}
	case '\t':
		for i := uint8(0); i < s.tabWidth; i++ {
			s.put(' ')
		}
	default:
		s.put(b)
	}
}

// put stores b at the cursor position and advances the cursor, wrapping
// at the end of the line.
func (s *Surface) put(b byte) {
	s.data[s.offset()] = b
	s.cursorX++
	if s.cursorX > s.width {
		s.lf()
	}
}

// lf moves the cursor to the start of the next line scrolling the surface
// contents if the cursor is on the last line.
func (s *Surface) lf() {
	s.cursorX = 1
	if s.cursorY < s.height {
		s.cursorY++
		return
	}

	copy(s.data, s.data[s.width:])
	last := s.data[(s.height-1)*s.width:]
	for i := range last {
		last[i] = ' '
	}
}

func (s *Surface) offset() uint32 {
	return (s.cursorY-1)*s.width + s.cursorX - 1
}
