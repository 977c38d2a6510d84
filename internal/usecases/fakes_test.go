package usecases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/interfaces"
)

// memStore is an in-memory interfaces.Storage with call counters.
type memStore struct {
	mu sync.Mutex

	tenants   map[string]*entities.Tenant
	instances map[string]*entities.Instance
	queues    map[string][]*entities.Queue
	campaigns map[string]*entities.Campaign
	contacts  map[string]*entities.Contact
	tickets   map[string]*entities.Ticket
	messages  map[string]*entities.Message
	polls     map[string]*entities.Poll
	votes     map[string]map[string]entities.PollVote
	leads     map[string]*entities.Lead

	// requireTenant makes writes referencing an unknown tenant fail with ErrForeignKey.
	requireTenant bool
	// rejectTenantUpserts makes UpsertTenant a no-op, so the tenant never appears.
	rejectTenantUpserts bool

	upsertMessageErr error
	updateMessageErr error
	countsErr        error

	ticketCreates   int
	messageUpserts  int
	messageUpdates  int
	queueUpserts    int
	instanceCreates int
	voteUpserts     int
	leadUpserts     int
	seq             int
}

var _ interfaces.Storage = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		tenants:   map[string]*entities.Tenant{},
		instances: map[string]*entities.Instance{},
		queues:    map[string][]*entities.Queue{},
		campaigns: map[string]*entities.Campaign{},
		contacts:  map[string]*entities.Contact{},
		tickets:   map[string]*entities.Ticket{},
		messages:  map[string]*entities.Message{},
		polls:     map[string]*entities.Poll{},
		votes:     map[string]map[string]entities.PollVote{},
		leads:     map[string]*entities.Lead{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) tenantMissing(tenantID string) bool {
	_, ok := m.tenants[tenantID]
	return m.requireTenant && !ok
}

func (m *memStore) FindTenantByID(_ context.Context, id string) (*entities.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenants[id], nil
}

func (m *memStore) FindTenantBySlug(_ context.Context, slug string) (*entities.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpsertTenant(_ context.Context, tenant *entities.Tenant) (*entities.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectTenantUpserts {
		return tenant, nil
	}
	copied := *tenant
	m.tenants[tenant.ID] = &copied
	return &copied, nil
}

func (m *memStore) FindInstanceByID(_ context.Context, id string) (*entities.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[id], nil
}

func (m *memStore) FindInstanceByBrokerID(_ context.Context, tenantID, brokerID string) (*entities.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.TenantID == tenantID && inst.BrokerID == brokerID {
			return inst, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateInstance(_ context.Context, instance *entities.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tenantMissing(instance.TenantID) {
		return interfaces.ErrForeignKey
	}
	if _, ok := m.instances[instance.ID]; ok {
		return interfaces.ErrConflict
	}
	copied := *instance
	m.instances[instance.ID] = &copied
	m.instanceCreates++
	return nil
}

func (m *memStore) FindOldestQueue(_ context.Context, tenantID string) (*entities.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := m.queues[tenantID]
	if len(qs) == 0 {
		return nil, nil
	}
	return qs[0], nil
}

func (m *memStore) UpsertQueue(_ context.Context, tenantID, name string) (*entities.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueUpserts++
	if m.tenantMissing(tenantID) {
		return nil, fmt.Errorf("insert queue: %w", interfaces.ErrForeignKey)
	}
	for _, q := range m.queues[tenantID] {
		if q.Name == name {
			return q, nil
		}
	}
	q := &entities.Queue{ID: m.nextID("queue"), TenantID: tenantID, Name: name, CreatedAt: time.Now()}
	m.queues[tenantID] = append(m.queues[tenantID], q)
	return q, nil
}

func (m *memStore) FindFallbackCampaign(_ context.Context, tenantID, instanceID string) (*entities.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.TenantID == tenantID && c.InstanceID == instanceID && c.IsFallback {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateCampaign(_ context.Context, campaign *entities.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *campaign
	m.campaigns[campaign.ID] = &copied
	return nil
}

func (m *memStore) UpsertContact(_ context.Context, contact *entities.Contact) (*entities.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tenantMissing(contact.TenantID) {
		return nil, interfaces.ErrForeignKey
	}
	copied := *contact
	m.contacts[contact.ID] = &copied
	return &copied, nil
}

func (m *memStore) FindOrCreateOpenTicket(_ context.Context, req entities.TicketRequest) (*entities.Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := req.TenantID + "|" + req.InstanceID + "|" + req.ChatID
	if t, ok := m.tickets[key]; ok {
		return t, false, nil
	}
	queueKnown := false
	for _, q := range m.queues[req.TenantID] {
		if q.ID == req.QueueID {
			queueKnown = true
		}
	}
	if !queueKnown {
		return nil, false, interfaces.ErrForeignKey
	}
	t := &entities.Ticket{
		ID:         m.nextID("ticket"),
		TenantID:   req.TenantID,
		ContactID:  req.ContactID,
		QueueID:    req.QueueID,
		InstanceID: req.InstanceID,
		ChatID:     req.ChatID,
		Status:     entities.TicketStatusOpen,
		CreatedAt:  time.Now(),
	}
	m.tickets[key] = t
	m.ticketCreates++
	return t, true, nil
}

func (m *memStore) UpsertMessageByExternalID(_ context.Context, tenantID, ticketID, externalID string, fields entities.MessageFields) (*entities.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageUpserts++
	if m.upsertMessageErr != nil {
		return nil, false, m.upsertMessageErr
	}
	key := tenantID + "|" + externalID
	now := time.Now()
	if existing, ok := m.messages[key]; ok {
		existing.Text = fields.Text
		existing.Caption = fields.Caption
		existing.MediaURL = fields.MediaURL
		existing.Metadata = fields.Metadata
		existing.UpdatedAt = now
		return existing, false, nil
	}
	msg := &entities.Message{
		ID:         m.nextID("msg"),
		TenantID:   tenantID,
		TicketID:   ticketID,
		ContactID:  fields.ContactID,
		InstanceID: fields.InstanceID,
		ExternalID: externalID,
		ChatID:     fields.ChatID,
		Direction:  fields.Direction,
		Type:       fields.Type,
		Text:       fields.Text,
		Caption:    fields.Caption,
		MediaURL:   fields.MediaURL,
		Mimetype:   fields.Mimetype,
		FileSize:   fields.FileSize,
		Metadata:   fields.Metadata,
		SentAt:     fields.SentAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.messages[key] = msg
	return msg, true, nil
}

func (m *memStore) FindMessageByExternalID(_ context.Context, tenantID, externalID string) (*entities.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[tenantID+"|"+externalID], nil
}

func (m *memStore) UpdateMessage(_ context.Context, tenantID, messageID string, update entities.MessageUpdate) (*entities.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateMessageErr != nil {
		return nil, m.updateMessageErr
	}
	for _, msg := range m.messages {
		if msg.TenantID != tenantID || msg.ID != messageID {
			continue
		}
		m.messageUpdates++
		if update.Text != nil {
			msg.Text = *update.Text
		}
		if update.Caption != nil {
			msg.Caption = *update.Caption
		}
		if update.Metadata != nil {
			msg.Metadata = update.Metadata
		}
		msg.UpdatedAt = time.Now()
		return msg, nil
	}
	return nil, nil
}

func (m *memStore) FindPollVoteMessageCandidate(_ context.Context, tenantID, chatID, pollID string) (*entities.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.TenantID != tenantID || msg.ChatID != chatID {
			continue
		}
		if poll := asMap(msg.Metadata["poll"]); poll != nil && asString(poll["id"]) == pollID {
			return msg, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindPoll(_ context.Context, pollID string) (*entities.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[pollID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (m *memStore) UpsertPoll(_ context.Context, poll *entities.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *poll
	m.polls[poll.PollID] = &copied
	return nil
}

func (m *memStore) UpsertPollVote(_ context.Context, vote entities.PollVote) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voteUpserts++
	byVoter, ok := m.votes[vote.PollID]
	if !ok {
		byVoter = map[string]entities.PollVote{}
		m.votes[vote.PollID] = byVoter
	}
	if existing, ok := byVoter[vote.VoterJID]; ok && existing.Timestamp.After(vote.Timestamp) {
		return false, nil
	}
	byVoter[vote.VoterJID] = vote
	return true, nil
}

func (m *memStore) ListPollVotes(_ context.Context, pollID string) ([]entities.PollVote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entities.PollVote, 0, len(m.votes[pollID]))
	for _, v := range m.votes[pollID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterJID < out[j].VoterJID })
	return out, nil
}

func (m *memStore) UpdatePollVoteCounts(_ context.Context, pollID string, counts map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countsErr != nil {
		return m.countsErr
	}
	p, ok := m.polls[pollID]
	if !ok {
		return errors.New("poll not found")
	}
	p.VoteCounts = counts
	return nil
}

func (m *memStore) UpsertLead(_ context.Context, lead *entities.Lead) (*entities.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leadUpserts++
	copied := *lead
	m.leads[lead.ID] = &copied
	return &copied, nil
}

func (m *memStore) vote(pollID, voter string) (entities.PollVote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votes[pollID][voter]
	return v, ok
}

func (m *memStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type emitted struct {
	scope   string
	id      string
	event   string
	payload any
}

type fakeRealtime struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeRealtime) record(scope, id, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{scope: scope, id: id, event: event, payload: payload})
}

func (f *fakeRealtime) EmitToTenant(tenantID, event string, payload any) {
	f.record("tenant", tenantID, event, payload)
}

func (f *fakeRealtime) EmitToTicket(ticketID, event string, payload any) {
	f.record("ticket", ticketID, event, payload)
}

func (f *fakeRealtime) EmitToAgreement(agreementID, event string, payload any) {
	f.record("agreement", agreementID, event, payload)
}

func (f *fakeRealtime) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeRealtime) scopes(event string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e.scope)
		}
	}
	return out
}

type fakeAllocator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAllocator) AddAllocations(_ context.Context, tenantID string, target entities.AllocationTarget, leads []entities.Lead) (*entities.AllocationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := &entities.AllocationResult{Summary: entities.AllocationSummary{Requested: len(leads)}}
	for _, l := range leads {
		res.NewlyAllocated = append(res.NewlyAllocated, entities.Allocation{
			ID:         "alloc-" + l.ID,
			TenantID:   tenantID,
			CampaignID: target.CampaignID,
			LeadID:     l.ID,
		})
	}
	res.Summary.Allocated = len(res.NewlyAllocated)
	return res, nil
}

// manualScheduler records scheduled tasks and runs them on demand.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	tasks  []func()
}

func (s *manualScheduler) Schedule(delay time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, delay)
	s.tasks = append(s.tasks, fn)
	return func() {}
}

// RunAll fires every pending task, including tasks scheduled while running.
func (s *manualScheduler) RunAll() int {
	ran := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return ran
		}
		fn := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		fn()
		ran++
	}
}

func (s *manualScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

type fakeDownloader struct {
	blob  *entities.MediaBlob
	err   error
	calls int
}

func (f *fakeDownloader) DownloadMedia(_ context.Context, _ string, _ entities.MediaRef) (*entities.MediaBlob, error) {
	f.calls++
	return f.blob, f.err
}

type fakeMediaStore struct {
	saved map[string]*entities.MediaBlob
}

func (f *fakeMediaStore) Save(_ context.Context, key string, blob *entities.MediaBlob) (string, error) {
	if f.saved == nil {
		f.saved = map[string]*entities.MediaBlob{}
	}
	f.saved[key] = blob
	return "https://media.example.test/" + key, nil
}

type fakePollSource struct {
	poll  *entities.Poll
	err   error
	calls int
}

func (f *fakePollSource) GetPoll(_ context.Context, _, _ string) (*entities.Poll, error) {
	f.calls++
	return f.poll, f.err
}

// recordingIngester captures envelopes handed to the orchestrator.
type recordingIngester struct {
	mu   sync.Mutex
	envs []*entities.InboundEnvelope
	err  error
}

func (r *recordingIngester) Ingest(_ context.Context, env *entities.InboundEnvelope) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return r.err == nil, r.err
}
