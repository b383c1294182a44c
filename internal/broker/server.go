package broker

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jww "github.com/spf13/jwalterweatherman"

	"cipherdm/internal/domain"
)

// maxBody bounds every JSON request body.
const maxBody = 4 << 20

// ErrorBody is the JSON error response. Code is a domain error code.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// ClaimRequest is the body of a prekey claim.
type ClaimRequest struct {
	Claimant domain.DeviceAddress `json:"claimant"`
}

// CountResponse is the body returned by the prekey count route.
type CountResponse struct {
	Count int `json:"count"`
}

// MasterKeyBody carries a user's master cross-signing key.
type MasterKeyBody struct {
	MasterKey domain.Ed25519Public `json:"master_key"`
}

// VerifiedRequest is the body of a mark-verified call.
type VerifiedRequest struct {
	Method domain.VerificationMethod `json:"method"`
	At     time.Time                 `json:"at"`
}

// MembersBody carries a conversation member list.
type MembersBody struct {
	Members []domain.UserID `json:"members"`
}

// AckRequest lists the envelope ids to acknowledge.
type AckRequest struct {
	IDs []string `json:"ids"`
}

// Server exposes a Store over HTTP.
type Server struct {
	store *Store
	mux   *http.ServeMux
}

// NewServer routes every broker operation to st. When gatherer is non-nil
// it is also served on /metrics.
func NewServer(st *Store, gatherer prometheus.Gatherer) *Server {
	s := &Server{store: st, mux: http.NewServeMux()}

	s.mux.HandleFunc("PUT /v1/devices/{user}/{device}", s.putDevice)
	s.mux.HandleFunc("GET /v1/devices/{user}/{device}", s.getDevice)
	s.mux.HandleFunc("DELETE /v1/devices/{user}/{device}", s.deleteDevice)
	s.mux.HandleFunc("GET /v1/devices/{user}", s.listDevices)
	s.mux.HandleFunc("POST /v1/devices/{user}/{device}/prekeys", s.publishPrekeys)
	s.mux.HandleFunc("GET /v1/devices/{user}/{device}/prekeys/count", s.countPrekeys)
	s.mux.HandleFunc("POST /v1/devices/{user}/{device}/prekeys/claim", s.claimPrekey)
	s.mux.HandleFunc("POST /v1/devices/{user}/{device}/verified", s.markVerified)
	s.mux.HandleFunc("PUT /v1/users/{user}/master-key", s.putMasterKey)
	s.mux.HandleFunc("GET /v1/users/{user}/master-key", s.getMasterKey)

	s.mux.HandleFunc("PUT /v1/group-shares", s.putShare)
	s.mux.HandleFunc("GET /v1/group-shares/{user}/{device}", s.listShares)
	s.mux.HandleFunc("POST /v1/group-shares/claim", s.claimShare)
	s.mux.HandleFunc("POST /v1/group-shares/forwarded", s.forwardShare)

	s.mux.HandleFunc("PUT /v1/backups/{user}", s.putBackup)
	s.mux.HandleFunc("GET /v1/backups/{user}", s.getBackup)

	s.mux.HandleFunc("POST /v1/verifications", s.createVerification)
	s.mux.HandleFunc("GET /v1/verifications/{tx}", s.getVerification)
	s.mux.HandleFunc("PUT /v1/verifications/{tx}", s.updateVerification)

	s.mux.HandleFunc("GET /v1/trust/{truster}", s.listTrust)
	s.mux.HandleFunc("GET /v1/trust/{truster}/{trusted}", s.listTrust)
	s.mux.HandleFunc("PUT /v1/trust/{truster}/{trusted}", s.putTrust)
	s.mux.HandleFunc("DELETE /v1/trust/{truster}/{trusted}", s.deleteTrust)

	s.mux.HandleFunc("PUT /v1/conversations/{id}/members", s.putMembers)
	s.mux.HandleFunc("GET /v1/conversations/{id}/members", s.getMembers)

	s.mux.HandleFunc("POST /v1/mailbox/{user}/{device}", s.postEnvelope)
	s.mux.HandleFunc("GET /v1/mailbox/{user}/{device}", s.fetchEnvelopes)
	s.mux.HandleFunc("POST /v1/mailbox/{user}/{device}/ack", s.ackEnvelopes)

	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ServeHTTP logs and counts every request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	s.store.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	jww.INFO.Printf("[BROKER] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrDeviceNotFound),
		errors.Is(err, domain.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrClaimExhausted):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		jww.ERROR.Printf("[BROKER] %v", err)
	}
	writeJSON(w, status, ErrorBody{Code: domain.ErrorCode(err), Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidArgument, err.Error()))
		return false
	}
	return true
}

func pathDevice(r *http.Request) domain.DeviceAddress {
	return domain.DeviceAddress{
		UserID:   domain.UserID(r.PathValue("user")),
		DeviceID: domain.DeviceID(r.PathValue("device")),
	}
}

func (s *Server) putDevice(w http.ResponseWriter, r *http.Request) {
	var d domain.DeviceIdentity
	if !readJSON(w, r, &d) {
		return
	}
	addr := pathDevice(r)
	d.UserID, d.DeviceID = addr.UserID, addr.DeviceID
	if err := s.store.PublishDeviceKeys(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.FetchDeviceKeys(r.Context(), pathDevice(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDevice(r.Context(), pathDevice(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	ds, err := s.store.ListDevices(r.Context(), domain.UserID(r.PathValue("user")))
	if err != nil {
		writeError(w, err)
		return
	}
	if ds == nil {
		ds = []domain.DeviceIdentity{}
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) publishPrekeys(w http.ResponseWriter, r *http.Request) {
	var keys []domain.OneTimePrekey
	if !readJSON(w, r, &keys) {
		return
	}
	if err := s.store.PublishOneTimePrekeys(r.Context(), pathDevice(r), keys); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) countPrekeys(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CountOneTimePrekeys(r.Context(), pathDevice(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) claimPrekey(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !readJSON(w, r, &req) {
		return
	}
	k, err := s.store.ClaimOneTimePrekey(r.Context(), req.Claimant, pathDevice(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *Server) markVerified(w http.ResponseWriter, r *http.Request) {
	var req VerifiedRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.store.MarkDeviceVerified(r.Context(), pathDevice(r), req.Method, req.At); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putMasterKey(w http.ResponseWriter, r *http.Request) {
	var body MasterKeyBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.store.PublishMasterKey(r.Context(), domain.UserID(r.PathValue("user")), body.MasterKey); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getMasterKey(w http.ResponseWriter, r *http.Request) {
	k, err := s.store.FetchMasterKey(r.Context(), domain.UserID(r.PathValue("user")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MasterKeyBody{MasterKey: k})
}

func (s *Server) putShare(w http.ResponseWriter, r *http.Request) {
	var sh domain.GroupKeyShare
	if !readJSON(w, r, &sh) {
		return
	}
	if err := s.store.PutGroupKeyShare(r.Context(), sh); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.store.ListPendingGroupKeyShares(r.Context(), pathDevice(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if shares == nil {
		shares = []domain.GroupKeyShare{}
	}
	writeJSON(w, http.StatusOK, shares)
}

func (s *Server) claimShare(w http.ResponseWriter, r *http.Request) {
	var sh domain.GroupKeyShare
	if !readJSON(w, r, &sh) {
		return
	}
	if err := s.store.MarkGroupKeyShareClaimed(r.Context(), sh); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) forwardShare(w http.ResponseWriter, r *http.Request) {
	var sh domain.GroupKeyShare
	if !readJSON(w, r, &sh) {
		return
	}
	if err := s.store.MarkGroupKeyShareForwarded(r.Context(), sh); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putBackup(w http.ResponseWriter, r *http.Request) {
	var b domain.BackupBlob
	if !readJSON(w, r, &b) {
		return
	}
	b.UserID = domain.UserID(r.PathValue("user"))
	if err := s.store.PutBackup(r.Context(), b); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBackup(r.Context(), domain.UserID(r.PathValue("user")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) createVerification(w http.ResponseWriter, r *http.Request) {
	var v domain.Verification
	if !readJSON(w, r, &v) {
		return
	}
	if err := s.store.CreateVerification(r.Context(), v); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getVerification(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.GetVerification(r.Context(), domain.TransactionID(r.PathValue("tx")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) updateVerification(w http.ResponseWriter, r *http.Request) {
	var v domain.Verification
	if !readJSON(w, r, &v) {
		return
	}
	expect := domain.VerificationStatus(r.URL.Query().Get("expect"))
	if expect == "" {
		writeError(w, errors.Wrap(domain.ErrInvalidArgument, "missing expect parameter"))
		return
	}
	v.TransactionID = domain.TransactionID(r.PathValue("tx"))
	if err := s.store.UpdateVerification(r.Context(), v, expect); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTrust(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListTrust(r.Context(), domain.UserID(r.PathValue("truster")))
	if err != nil {
		writeError(w, err)
		return
	}
	out := []domain.TrustRecord{}
	trusted := domain.UserID(r.PathValue("trusted"))
	for _, rec := range recs {
		if trusted == "" || rec.TrustedUserID == trusted {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) putTrust(w http.ResponseWriter, r *http.Request) {
	var rec domain.TrustRecord
	if !readJSON(w, r, &rec) {
		return
	}
	rec.TrusterUserID = domain.UserID(r.PathValue("truster"))
	rec.TrustedUserID = domain.UserID(r.PathValue("trusted"))
	if err := s.store.PutTrust(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteTrust(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteTrust(r.Context(),
		domain.UserID(r.PathValue("truster")), domain.UserID(r.PathValue("trusted")))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putMembers(w http.ResponseWriter, r *http.Request) {
	var body MembersBody
	if !readJSON(w, r, &body) {
		return
	}
	err := s.store.SetConversationMembers(r.Context(), domain.ConversationID(r.PathValue("id")), body.Members)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ConversationMembers(r.Context(), domain.ConversationID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	if members == nil {
		members = []domain.UserID{}
	}
	writeJSON(w, http.StatusOK, MembersBody{Members: members})
}

func (s *Server) postEnvelope(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if !readJSON(w, r, &env) {
		return
	}
	env.To = pathDevice(r)
	if err := s.store.PostEnvelope(r.Context(), env); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchEnvelopes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, errors.Wrap(domain.ErrInvalidArgument, "bad limit"))
			return
		}
		limit = n
	}
	envs, err := s.store.FetchEnvelopes(r.Context(), pathDevice(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if envs == nil {
		envs = []domain.Envelope{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) ackEnvelopes(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.store.AckEnvelopes(r.Context(), pathDevice(r), req.IDs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
