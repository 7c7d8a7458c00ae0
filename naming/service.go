package naming

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"edo/edoerr"
	"edo/message"
	"edo/remote"
	"edo/server"
)

func init() {
	remote.RegisterValueType(message.HostAddress{})
	remote.RegisterValueType([]message.HostAddress(nil))
}

// Service is the root object of the naming Host Service. It answers
//
//	register(name, address, ttl)
//	deregister(name, address)
//	discover(name) → []HostAddress
//
// Records registered over a connection are removed when that connection closes, so a
// host that dies without deregistering does not linger.
type Service struct {
	reg Registry
	log *zap.Logger

	mu    sync.Mutex
	owned map[*remote.Endpoint]map[ownedRecord]message.HostAddress
}

type ownedRecord struct {
	name string
	dial string
}

func ownedKey(name string, addr message.HostAddress) ownedRecord {
	return ownedRecord{name: name, dial: addr.DialAddress()}
}

func NewService(reg Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		reg:   reg,
		log:   logger,
		owned: make(map[*remote.Endpoint]map[ownedRecord]message.HostAddress),
	}
}

// NewServer returns a host serving a naming Service over reg. Listen on DefaultPort
// unless told otherwise.
func NewServer(reg Registry, logger *zap.Logger, opts ...server.Option) *server.Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]server.Option{server.WithName(DefaultServiceName), server.WithLogger(logger)}, opts...)
	return server.NewHost(NewService(reg, logger), opts...)
}

func (s *Service) TypeDescriptor() string { return "naming.Service" }

func (s *Service) Invoke(ctx context.Context, selector string, args remote.Args) (any, error) {
	switch selector {
	case "register":
		name, addr, err := nameAndAddress(args)
		if err != nil {
			return nil, err
		}
		ttl, err := args.Int(2)
		if err != nil {
			return nil, err
		}
		if err := s.reg.Register(ctx, name, addr, ttl); err != nil {
			return nil, edoerr.InvocationFailed(err, "register %s", name)
		}
		s.own(ctx, name, addr)
		s.log.Info("registered", zap.String("name", name), zap.Stringer("address", addr))
		return nil, nil

	case "deregister":
		name, addr, err := nameAndAddress(args)
		if err != nil {
			return nil, err
		}
		if err := s.reg.Deregister(ctx, name, addr); err != nil {
			return nil, edoerr.InvocationFailed(err, "deregister %s", name)
		}
		s.disown(ctx, name, addr)
		s.log.Info("deregistered", zap.String("name", name), zap.Stringer("address", addr))
		return nil, nil

	case "discover":
		name, err := args.String(0)
		if err != nil {
			return nil, err
		}
		addrs, err := s.reg.Discover(ctx, name)
		if err != nil {
			return nil, edoerr.InvocationFailed(err, "discover %s", name)
		}
		return addrs, nil
	}
	return nil, edoerr.InvocationFailed(nil, "unrecognized selector %q", selector)
}

func nameAndAddress(args remote.Args) (string, message.HostAddress, error) {
	name, err := args.String(0)
	if err != nil {
		return "", message.HostAddress{}, err
	}
	var addr message.HostAddress
	if err := args.Decode(1, &addr); err != nil {
		return "", message.HostAddress{}, err
	}
	return name, addr, nil
}

func (s *Service) own(ctx context.Context, name string, addr message.HostAddress) {
	ep := remote.EndpointFrom(ctx)
	if ep == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.owned[ep]
	if !ok {
		records = make(map[ownedRecord]message.HostAddress)
		s.owned[ep] = records
		go s.reap(ep)
	}
	records[ownedKey(name, addr)] = addr
}

func (s *Service) disown(ctx context.Context, name string, addr message.HostAddress) {
	ep := remote.EndpointFrom(ctx)
	if ep == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owned[ep], ownedKey(name, addr))
}

// reap deregisters what ep registered once its connection is gone.
func (s *Service) reap(ep *remote.Endpoint) {
	<-ep.Done()

	s.mu.Lock()
	records := s.owned[ep]
	delete(s.owned, ep)
	s.mu.Unlock()

	for rec, addr := range records {
		ctx, cancel := context.WithTimeout(context.Background(), server.DefaultHandshakeTimeout)
		if err := s.reg.Deregister(ctx, rec.name, addr); err != nil {
			s.log.Warn("deregister on disconnect", zap.String("name", rec.name), zap.Error(err))
		} else {
			s.log.Info("deregistered on disconnect", zap.String("name", rec.name), zap.Stringer("address", addr))
		}
		cancel()
	}
}
