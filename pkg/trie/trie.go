package trie

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/go-machodump/internal/image"
	"github.com/appsworld/go-machodump/types"
	"github.com/pkg/errors"
)

// MaxTrieNodes caps the number of nodes a single ParseTrie call visits.
const MaxTrieNodes = 1 << 20

var (
	// ErrTrieCycle is returned when an edge points at a node already visited.
	ErrTrieCycle = errors.New("export trie node reached twice")
	// ErrTrieTooLarge is returned when a trie has more than MaxTrieNodes nodes.
	ErrTrieTooLarge = errors.New("export trie exceeds node limit")
)

// A TrieEntry is one exported symbol decoded from a terminal node.
type TrieEntry struct {
	Name     string
	ReExport string
	Flags    types.ExportFlag
	Ordinal  uint64
	Other    uint64
	Address  uint64
	// Offset of the node that carries the terminal payload.
	Offset uint64
}

func (e TrieEntry) String() string {
	switch {
	case e.Flags.ReExport():
		name := e.ReExport
		if name == "" {
			name = e.Name
		}
		return fmt.Sprintf("%s (re-exported %s from dylib %d)", e.Name, name, e.Ordinal)
	case e.Flags.StubAndResolver():
		return fmt.Sprintf("%#016x: %s (resolver %#x)", e.Address, e.Name, e.Other)
	}
	return fmt.Sprintf("%#016x: %s", e.Address, e.Name)
}

type trieNode struct {
	Offset uint64
	Label  string
}

// ParseTrie decodes an export trie breadth-first from offset 0. Every node
// offset is visited at most once. A node that cannot be decoded is dropped
// and decoding continues with the rest of the queue; the first such error is
// returned together with every entry that was recovered.
func ParseTrie(data []byte, loadAddress uint64) ([]TrieEntry, error) {
	var entries []TrieEntry
	var firstErr error

	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(data) == 0 {
		return nil, nil
	}

	visited := make(map[uint64]bool)
	queue := []trieNode{{Offset: 0}}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		if visited[node.Offset] {
			fail(errors.Wrapf(ErrTrieCycle, "node %#x (%q)", node.Offset, node.Label))
			continue
		}
		if len(visited) >= MaxTrieNodes {
			fail(ErrTrieTooLarge)
			break
		}
		visited[node.Offset] = true

		children, entry, err := readNode(data, node, loadAddress)
		if err != nil {
			fail(errors.Wrapf(err, "failed to read export trie node at %#x", node.Offset))
			continue
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
		queue = append(queue, children...)
	}

	return entries, firstErr
}

func readNode(data []byte, node trieNode, loadAddress uint64) ([]trieNode, *TrieEntry, error) {
	r := image.NewCursor(data, binary.LittleEndian)
	if err := r.Seek(int(node.Offset)); err != nil || node.Offset > uint64(len(data)) {
		return nil, nil, image.ErrOutOfBounds
	}

	terminalSize, err := ReadTerminalSize(r)
	if err != nil {
		return nil, nil, err
	}
	childrenAt := uint64(r.Pos()) + terminalSize
	if childrenAt < terminalSize || childrenAt > uint64(len(data)) {
		return nil, nil, image.ErrOutOfBounds
	}

	var entry *TrieEntry
	if terminalSize != 0 {
		payload, err := readTerminal(data[r.Pos():childrenAt], loadAddress)
		if err != nil {
			return nil, nil, err
		}
		payload.Name = node.Label
		payload.Offset = node.Offset
		entry = &payload
	}

	r.Seek(int(childrenAt))
	count, err := r.ReadByte()
	if err != nil {
		return nil, nil, err
	}

	children := make([]trieNode, 0, count)
	for i := 0; i < int(count); i++ {
		label, err := r.CString()
		if err != nil {
			return nil, nil, err
		}
		off, err := ReadUleb128(r)
		if err != nil {
			return nil, nil, err
		}
		children = append(children, trieNode{Offset: off, Label: node.Label + label})
	}

	return children, entry, nil
}

func readTerminal(b []byte, loadAddress uint64) (TrieEntry, error) {
	var e TrieEntry

	r := image.NewCursor(b, binary.LittleEndian)
	flags, err := ReadUleb128(r)
	if err != nil {
		return e, err
	}
	e.Flags = types.ExportFlag(flags)

	switch {
	case e.Flags.ReExport():
		if e.Ordinal, err = ReadUleb128(r); err != nil {
			return e, err
		}
		if e.ReExport, err = r.CString(); err != nil {
			return e, err
		}
	case e.Flags.StubAndResolver():
		if e.Address, err = ReadUleb128(r); err != nil {
			return e, err
		}
		if e.Other, err = ReadUleb128(r); err != nil {
			return e, err
		}
		e.Address += loadAddress
		e.Other += loadAddress
	default:
		if e.Address, err = ReadUleb128(r); err != nil {
			return e, err
		}
		if !e.Flags.Absolute() {
			e.Address += loadAddress
		}
	}

	return e, nil
}

// WalkTrie follows symbol through the trie and returns the offset of its
// terminal payload.
func WalkTrie(data []byte, symbol string) (uint64, error) {
	var offset uint64
	var strIndex int

	r := image.NewCursor(data, binary.LittleEndian)
	for steps := 0; steps < MaxTrieNodes; steps++ {
		if err := r.Seek(int(offset)); err != nil || offset > uint64(len(data)) {
			return 0, image.ErrOutOfBounds
		}
		terminalSize, err := ReadTerminalSize(r)
		if err != nil {
			return 0, err
		}
		if strIndex == len(symbol) && terminalSize != 0 {
			return uint64(r.Pos()), nil
		}
		if err := r.Skip(int(terminalSize)); err != nil || terminalSize > uint64(len(data)) {
			return 0, image.ErrOutOfBounds
		}
		count, err := r.ReadByte()
		if err != nil {
			return 0, err
		}

		var next uint64
		for i := 0; i < int(count); i++ {
			label, err := r.CString()
			if err != nil {
				return 0, err
			}
			child, err := ReadUleb128(r)
			if err != nil {
				return 0, err
			}
			rest := symbol[strIndex:]
			if len(label) > 0 && len(rest) >= len(label) && rest[:len(label)] == label {
				next = child
				strIndex += len(label)
				break
			}
		}
		if next == 0 {
			break
		}
		offset = next
	}

	return 0, fmt.Errorf("symbol %s not in trie", symbol)
}
