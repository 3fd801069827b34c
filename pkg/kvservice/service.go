// Package kvservice implements the client-facing get/put/delete request
// handlers: resolving a key's owning vnode via the ring, rejecting
// requests the local node does not own, and otherwise reading or writing
// through to the partitioned storage layer.
package kvservice

import (
	"fmt"

	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/space"
	"github.com/cuemby/paravon/pkg/storage"
	"github.com/cuemby/paravon/pkg/transport"
	"github.com/rs/zerolog"
)

// RingView is the subset of topology.Manager the Service needs to resolve
// key placement, kept narrow so it can be faked in tests without a real
// BucketTable.
type RingView interface {
	GetRing() space.Ring
}

// Service answers get/put/delete requests against the local node's
// partitioned storage, rejecting any key this node does not own.
type Service struct {
	nodeID      string
	storage     storage.Storage
	partitioner space.Partitioner
	topology    RingView
	logger      zerolog.Logger
}

// NewService builds a Service. partitionShift is 1<<partitionShift
// logical partitions, matching the configured value the ring and every
// peer must agree on.
func NewService(nodeID string, st storage.Storage, topology RingView, partitionShift uint) *Service {
	return &Service{
		nodeID:      nodeID,
		storage:     st,
		partitioner: space.NewPartitioner(partitionShift),
		topology:    topology,
		logger:      log.WithComponent("kvservice"),
	}
}

// Handlers returns the get/put/delete transport.Handler trio, ready to be
// registered against a client-facing transport.Router.
func (s *Service) Handlers() map[string]transport.Handler {
	return map[string]transport.Handler{
		"get":    s.Get,
		"put":    s.Put,
		"delete": s.Delete,
	}
}

// Get implements transport.Handler for "get": returns the current value
// for key, or an absent value (never an error) if it is missing or
// tombstoned.
func (s *Service) Get(data map[string]interface{}) message.Message {
	key, err := keyOf(data)
	if err != nil {
		return message.KO(err.Error(), nil)
	}
	placement, ok, err := s.placementFor(key)
	if err != nil {
		return message.KO(err.Error(), map[string]interface{}{"key": key})
	}
	if !ok {
		return s.notOwner(key)
	}

	value, _, err := s.storage.Get(placement.Keyspace(), key)
	if err != nil {
		return message.KO(err.Error(), map[string]interface{}{"key": key})
	}
	return message.New("get", map[string]interface{}{"key": key, "value": value})
}

// Put implements transport.Handler for "put".
func (s *Service) Put(data map[string]interface{}) message.Message {
	key, err := keyOf(data)
	if err != nil {
		return message.KO(err.Error(), nil)
	}
	value, ok := asBytes(data["value"])
	if !ok {
		return message.KO("put requires a bytes value", map[string]interface{}{"key": key})
	}
	placement, ok, err := s.placementFor(key)
	if err != nil {
		return message.KO(err.Error(), map[string]interface{}{"key": key})
	}
	if !ok {
		return s.notOwnerCoordination(key)
	}

	if err := s.storage.Put(placement.Keyspace(), key, value); err != nil {
		return message.KO(err.Error(), map[string]interface{}{"key": key})
	}
	return message.New("put", map[string]interface{}{"key": key})
}

// Delete implements transport.Handler for "delete".
func (s *Service) Delete(data map[string]interface{}) message.Message {
	key, err := keyOf(data)
	if err != nil {
		return message.KO(err.Error(), nil)
	}
	placement, ok, err := s.placementFor(key)
	if err != nil {
		return message.KO(err.Error(), map[string]interface{}{"key": key})
	}
	if !ok {
		return s.notOwnerCoordination(key)
	}

	if err := s.storage.Delete(placement.Keyspace(), key); err != nil {
		return message.KO(err.Error(), map[string]interface{}{"key": key})
	}
	return message.New("delete", map[string]interface{}{"key": key})
}

func (s *Service) placementFor(key []byte) (space.PartitionPlacement, bool, error) {
	ring := s.topology.GetRing()
	placement, ok := s.partitioner.FindPlacementByKey(key, ring)
	if !ok {
		return space.PartitionPlacement{}, false, fmt.Errorf("kvservice: ring has no members to place key against")
	}
	return placement, placement.VNode.NodeID == s.nodeID, nil
}

func (s *Service) notOwner(key []byte) message.Message {
	return message.KO(fmt.Sprintf("The local node %s is not owner of key", s.nodeID), map[string]interface{}{"key": key})
}

func (s *Service) notOwnerCoordination(key []byte) message.Message {
	return message.KO(fmt.Sprintf("The local node %s is not owner of key. Coordination is not implemented yet", s.nodeID), map[string]interface{}{"key": key})
}

func keyOf(data map[string]interface{}) ([]byte, error) {
	key, ok := asBytes(data["key"])
	if !ok {
		return nil, fmt.Errorf("kvservice: request requires a bytes key")
	}
	return key, nil
}

// asBytes accepts both a direct []byte (same-process call, e.g. tests)
// and a value that has round-tripped through MsgPack decode into
// interface{}, where bin values already decode as []byte.
func asBytes(v interface{}) ([]byte, bool) {
	b, ok := v.([]byte)
	return b, ok
}
