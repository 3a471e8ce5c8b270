package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/mcdev12/scoresync/go/internal/models"
)

const (
	// RegistryServiceName is the fully-qualified name of the registry service.
	RegistryServiceName = "scoresync.registry.v1.RegistryService"

	procedureGet    = "/" + RegistryServiceName + "/Get"
	procedurePut    = "/" + RegistryServiceName + "/Put"
	procedureDelete = "/" + RegistryServiceName + "/Delete"
	procedureList   = "/" + RegistryServiceName + "/List"
)

// jsonCodec replaces connect's protobuf-only JSON codec with encoding/json
// so plain structs can travel over the connect protocol.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type KeyRequest struct {
	Key string `json:"key"`
}

type PutRequest struct {
	Key    string                `json:"key"`
	Record models.RegistryRecord `json:"record"`
}

type RecordResponse struct {
	Record models.RegistryRecord `json:"record"`
}

type ListResponse struct {
	Records map[string]models.RegistryRecord `json:"records"`
}

type Empty struct{}

// Service exposes a Store over connect.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Get(ctx context.Context, req *connect.Request[KeyRequest]) (*connect.Response[RecordResponse], error) {
	record, err := s.store.Get(ctx, req.Msg.Key)
	if errors.Is(err, ErrNotFound) {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewResponse(&RecordResponse{Record: record}), nil
}

func (s *Service) Put(ctx context.Context, req *connect.Request[PutRequest]) (*connect.Response[Empty], error) {
	if _, err := CodeFromKey(req.Msg.Key); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if strings.TrimSpace(req.Msg.Record.SessionID) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("session id is required"))
	}
	if err := s.store.Put(ctx, req.Msg.Key, req.Msg.Record); err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func (s *Service) Delete(ctx context.Context, req *connect.Request[KeyRequest]) (*connect.Response[Empty], error) {
	if err := s.store.Delete(ctx, req.Msg.Key); err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func (s *Service) List(ctx context.Context, req *connect.Request[Empty]) (*connect.Response[ListResponse], error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewResponse(&ListResponse{Records: records}), nil
}

// NewRPCHandler returns the path prefix and handler serving store.
func NewRPCHandler(store Store, opts ...connect.HandlerOption) (string, http.Handler) {
	svc := NewService(store)
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(procedureGet, connect.NewUnaryHandler(procedureGet, svc.Get, opts...))
	mux.Handle(procedurePut, connect.NewUnaryHandler(procedurePut, svc.Put, opts...))
	mux.Handle(procedureDelete, connect.NewUnaryHandler(procedureDelete, svc.Delete, opts...))
	mux.Handle(procedureList, connect.NewUnaryHandler(procedureList, svc.List, opts...))
	return "/" + RegistryServiceName + "/", mux
}

// RemoteStore is a Store backed by a registry service on the relay server.
type RemoteStore struct {
	get    *connect.Client[KeyRequest, RecordResponse]
	put    *connect.Client[PutRequest, Empty]
	delete *connect.Client[KeyRequest, Empty]
	list   *connect.Client[Empty, ListResponse]
}

// NewRemoteStore creates a client for the registry service at baseURL.
func NewRemoteStore(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *RemoteStore {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &RemoteStore{
		get:    connect.NewClient[KeyRequest, RecordResponse](httpClient, baseURL+procedureGet, opts...),
		put:    connect.NewClient[PutRequest, Empty](httpClient, baseURL+procedurePut, opts...),
		delete: connect.NewClient[KeyRequest, Empty](httpClient, baseURL+procedureDelete, opts...),
		list:   connect.NewClient[Empty, ListResponse](httpClient, baseURL+procedureList, opts...),
	}
}

func (s *RemoteStore) Get(ctx context.Context, key string) (models.RegistryRecord, error) {
	res, err := s.get.CallUnary(ctx, connect.NewRequest(&KeyRequest{Key: key}))
	if connect.CodeOf(err) == connect.CodeNotFound {
		return models.RegistryRecord{}, ErrNotFound
	}
	if err != nil {
		return models.RegistryRecord{}, err
	}
	return res.Msg.Record, nil
}

func (s *RemoteStore) Put(ctx context.Context, key string, record models.RegistryRecord) error {
	_, err := s.put.CallUnary(ctx, connect.NewRequest(&PutRequest{Key: key, Record: record}))
	return err
}

func (s *RemoteStore) Delete(ctx context.Context, key string) error {
	_, err := s.delete.CallUnary(ctx, connect.NewRequest(&KeyRequest{Key: key}))
	return err
}

func (s *RemoteStore) List(ctx context.Context) (map[string]models.RegistryRecord, error) {
	res, err := s.list.CallUnary(ctx, connect.NewRequest(&Empty{}))
	if err != nil {
		return nil, err
	}
	if res.Msg.Records == nil {
		return map[string]models.RegistryRecord{}, nil
	}
	return res.Msg.Records, nil
}
