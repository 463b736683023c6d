// Package flowstate holds the mutable verification-flow state shared by the
// steps of one SDK instance.
package flowstate

import (
	"sync"
)

// Socket is a releasable cross-device connection.
type Socket interface {
	Close() error
}

// State is a point-in-time copy of the store.
type State struct {
	MobileNumber   string `json:"mobileNumber,omitempty"`
	IDDocumentType string `json:"idDocumentType,omitempty"`
	SocketOpen     bool   `json:"socketOpen"`
}

// Store is safe for concurrent use. The zero value is ready.
type Store struct {
	mu     sync.Mutex
	mobile string
	idDoc  string
	socket Socket
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

func (s *Store) SetMobileNumber(number string) {
	s.mu.Lock()
	s.mobile = number
	s.mu.Unlock()
}

func (s *Store) SetIDDocumentType(docType string) {
	s.mu.Lock()
	s.idDoc = docType
	s.mu.Unlock()
}

// SetSocket stores sock, returning any socket it replaced. The caller owns the
// returned socket.
func (s *Store) SetSocket(sock Socket) Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.socket
	s.socket = sock
	return prev
}

// Socket returns the current socket, or nil.
func (s *Store) Socket() Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

// CloseSocket detaches and closes the current socket. With no socket it is a
// no-op. A socket is closed at most once through the store.
func (s *Store) CloseSocket() error {
	s.mu.Lock()
	sock := s.socket
	s.socket = nil
	s.mu.Unlock()

	if sock == nil {
		return nil
	}
	return sock.Close()
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		MobileNumber:   s.mobile,
		IDDocumentType: s.idDoc,
		SocketOpen:     s.socket != nil,
	}
}

// Reset clears the flow values. The socket slot is left alone; release it
// with CloseSocket first.
func (s *Store) Reset() {
	s.mu.Lock()
	s.mobile = ""
	s.idDoc = ""
	s.mu.Unlock()
}
