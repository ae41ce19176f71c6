package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/admin"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/auth"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/blobstore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/events"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/gitrepo"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/primaryclient"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/redirect"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/site"
)

const (
	secret        = "server-secret"
	primaryName   = "primary"
	secondaryName = "secondary-1"
	repoPath      = "group/project.git"
)

func oidOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type primaryEnv struct {
	catalog *datastore.MemoryCatalog
	queue   *datastore.MemoryEventQueue
	blobs   *blobstore.Store
	repos   *gitrepo.Store
	srv     *httptest.Server
	signer  *auth.Signer
}

func newPrimaryEnv(t *testing.T) *primaryEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()

	env := &primaryEnv{
		catalog: datastore.NewMemoryCatalog(),
		queue:   datastore.NewMemoryEventQueue(),
		blobs:   blobstore.New(t.TempDir()),
		repos:   gitrepo.NewStore(t.TempDir()),
		signer:  auth.NewSigner(secret, secondaryName, time.Minute),
	}

	primary := site.NewPrimary(primaryName, "https://primary.example.com", []string{secondaryName})
	verifier := auth.NewVerifier(secret, primary.KnowsSecondary, time.Minute, time.Second)
	producer := events.NewProducer(logger, datastore.NewMemoryOutbox(env.queue, primary.Secondaries))

	env.srv = httptest.NewServer(NewPrimary(logger, env.catalog, producer, env.blobs, env.repos, verifier).Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (env *primaryEnv) save(t *testing.T, r datastore.Replicable) {
	t.Helper()
	require.NoError(t, env.catalog.Save(r)(context.Background(), nil))
}

func (env *primaryEnv) eventKinds() []datastore.EventKind {
	var kinds []datastore.EventKind
	for _, qe := range env.queue.Events() {
		kinds = append(kinds, qe.Event.Kind)
	}
	return kinds
}

func noRedirects() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestPrimary_internalAPI(t *testing.T) {
	ctx := context.Background()
	env := newPrimaryEnv(t)

	_, err := env.blobs.Write(ctx, "uploads/1/avatar.png", strings.NewReader("avatar"))
	require.NoError(t, err)

	upload := datastore.Replicable{Type: replicator.TypeUpload, ID: 1, Path: "uploads/1/avatar.png", Size: 6, Checksummable: true}
	lfs := datastore.Replicable{Type: replicator.TypeLFSObject, ID: 4, Path: "lfs-objects/ab/cd", OID: "abcd"}
	project := datastore.Replicable{Type: replicator.TypeProjectRepository, ID: 7, Path: repoPath, Checksummable: true}
	for _, r := range []datastore.Replicable{upload, lfs, project} {
		env.save(t, r)
	}

	client := primaryclient.New(env.srv.URL, env.signer, nil)

	model, err := client.ModelFor(ctx, upload.Type, upload.ID)
	require.NoError(t, err)
	require.True(t, model.Exists)
	require.Equal(t, upload.Path, model.Path)

	missing, err := client.ModelFor(ctx, upload.Type, 99)
	require.NoError(t, err)
	require.False(t, missing.Exists)

	blob, err := client.OpenBlob(ctx, upload.Type, upload.ID)
	require.NoError(t, err)
	content, err := io.ReadAll(blob)
	require.NoError(t, err)
	require.NoError(t, blob.Close())
	require.Equal(t, "avatar", string(content))

	ids, err := client.ListIDs(ctx, replicator.TypeUpload, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)

	resolved, err := client.ResolveRepository(ctx, repoPath)
	require.NoError(t, err)
	require.Equal(t, int64(7), resolved.ID)

	_, err = client.ResolveRepository(ctx, "group/unknown.git")
	require.ErrorIs(t, err, datastore.ErrReplicableNotFound)

	resolved, err = client.ResolveLFSObject(ctx, "abcd")
	require.NoError(t, err)
	require.Equal(t, int64(4), resolved.ID)

	resp, err := http.Get(env.srv.URL + primaryclient.ReplicatePrefix + "/upload/1")
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPrimary_replicableMutations(t *testing.T) {
	env := newPrimaryEnv(t)

	do := func(method, path, body string) int {
		req, err := http.NewRequest(method, env.srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		require.NoError(t, auth.SetBearer(req, env.signer, path))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		readBody(t, resp)
		return resp.StatusCode
	}

	path := primaryclient.InternalPrefix + "/replicables/upload/3"
	require.Equal(t, http.StatusOK, do(http.MethodPut, path, `{"path":"uploads/3","size":10,"checksummable":true}`))
	require.Equal(t, http.StatusOK, do(http.MethodPut, path, `{"path":"uploads/3","size":12,"checksummable":true}`))

	r, err := env.catalog.Get(context.Background(), "upload", 3)
	require.NoError(t, err)
	require.Equal(t, int64(12), r.Size)

	require.Equal(t, http.StatusNoContent, do(http.MethodDelete, path, ""))
	require.Equal(t, http.StatusNotFound, do(http.MethodDelete, path, ""))
	require.Equal(t, http.StatusBadRequest, do(http.MethodPut, primaryclient.InternalPrefix+"/replicables/upload/x", `{}`))

	require.Equal(t, []datastore.EventKind{datastore.EventCreated, datastore.EventUpdated, datastore.EventDeleted}, env.eventKinds())

	_, err = env.catalog.Get(context.Background(), "upload", 3)
	require.ErrorIs(t, err, datastore.ErrReplicableNotFound)
}

func batch(t *testing.T, url, operation string, oids ...string) lfsBatchResponse {
	t.Helper()

	req := redirect.BatchRequest{Operation: operation}
	for _, oid := range oids {
		req.Objects = append(req.Objects, redirect.BatchObject{OID: oid, Size: 1})
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(url, lfsContentType, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, lfsContentType, resp.Header.Get("Content-Type"))

	var decoded lfsBatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func TestPrimary_lfs(t *testing.T) {
	ctx := context.Background()
	env := newPrimaryEnv(t)

	const content = "large file content"
	oid := oidOf(content)
	objectURL := env.srv.URL + "/" + repoPath + redirect.LFSObjectsInfix + oid
	batchURL := env.srv.URL + "/" + repoPath + redirect.LFSBatchSuffix

	upload := batch(t, batchURL, "upload", oid)
	require.Len(t, upload.Objects, 1)
	require.Equal(t, objectURL, upload.Objects[0].Actions["upload"].Href)

	put := func(url, body string) int {
		req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		readBody(t, resp)
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, put(objectURL, content))
	require.Equal(t, http.StatusOK, put(objectURL, content), "uploading twice is accepted")

	stored, err := env.catalog.FindByOID(ctx, oid)
	require.NoError(t, err)
	require.Equal(t, replicator.TypeLFSObject, stored.Type)
	require.Equal(t, int64(1), stored.ID)
	require.Equal(t, oid, stored.Checksum)
	require.Equal(t, int64(len(content)), stored.Size)
	require.Equal(t, []datastore.EventKind{datastore.EventCreated}, env.eventKinds())

	other := oidOf("other content")
	require.Equal(t, http.StatusUnprocessableEntity, put(env.srv.URL+"/"+repoPath+redirect.LFSObjectsInfix+other, "tampered"))
	require.Equal(t, http.StatusUnprocessableEntity, put(env.srv.URL+"/"+repoPath+redirect.LFSObjectsInfix+"not-an-oid", "x"))

	resp, err := http.Get(objectURL)
	require.NoError(t, err)
	require.Equal(t, content, readBody(t, resp))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	download := batch(t, batchURL, "download", oid, other)
	require.Len(t, download.Objects, 2)
	require.Equal(t, objectURL, download.Objects[0].Actions["download"].Href)
	require.Equal(t, int64(len(content)), download.Objects[0].Size)
	require.Equal(t, http.StatusNotFound, download.Objects[1].Error.Code)

	upload = batch(t, batchURL, "upload", oid)
	require.Empty(t, upload.Objects[0].Actions, "stored objects aren't uploaded again")
}

func TestPrimary_proxy(t *testing.T) {
	env := newPrimaryEnv(t)

	const content = "proxied object"
	oid := oidOf(content)

	token, err := env.signer.Sign("/" + repoPath)
	require.NoError(t, err)
	proxied := env.srv.URL + redirect.ProxyPrefix + "/" + token + "/" + repoPath + redirect.LFSObjectsInfix + oid

	req, err := http.NewRequest(http.MethodPut, proxied, strings.NewReader(content))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = env.catalog.FindByOID(context.Background(), oid)
	require.NoError(t, err)

	forged := env.srv.URL + redirect.ProxyPrefix + "/" + token + "/group/other.git" + redirect.LFSObjectsInfix + oid
	resp, err = http.Get(forged)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

type secondaryEnv struct {
	primary  *primaryEnv
	registry *datastore.MemoryRegistry
	blobs    *blobstore.Store
	repos    *gitrepo.Store
	srv      *httptest.Server
}

func newSecondaryEnv(t *testing.T) *secondaryEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()

	env := &secondaryEnv{
		primary:  newPrimaryEnv(t),
		registry: datastore.NewMemoryRegistry(),
		blobs:    blobstore.New(t.TempDir()),
		repos:    gitrepo.NewStore(t.TempDir()),
	}

	siteCtx := site.NewSecondary(secondaryName, primaryName, env.primary.srv.URL)
	minLFS, err := version.NewVersion("2.4.2")
	require.NoError(t, err)

	resolver, err := redirect.NewCachingResolver(primaryclient.New(siteCtx.PrimaryURL, env.primary.signer, nil), 100)
	require.NoError(t, err)

	gate := redirect.NewGate(logger, siteCtx, env.registry, resolver, env.repos, env.primary.signer, minLFS)
	secondary := NewSecondary(logger, siteCtx, gate, admin.New(logger, env.registry), env.blobs, env.repos)

	env.srv = httptest.NewServer(secondary.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (env *secondaryEnv) setState(t *testing.T, r datastore.Replicable, state datastore.SyncState) {
	t.Helper()
	ctx := context.Background()
	key := datastore.RegistryKey{Type: r.Type, ID: r.ID, Site: secondaryName}

	_, err := env.registry.Upsert(ctx, key)
	require.NoError(t, err)
	_, err = env.registry.Update(ctx, key, func(e *datastore.RegistryEntry) bool {
		e.SyncState = state
		return true
	})
	require.NoError(t, err)
}

func TestSecondary_lfs(t *testing.T) {
	ctx := context.Background()
	env := newSecondaryEnv(t)

	const content = "replicated object"
	oid := oidOf(content)
	_, err := env.primary.blobs.Write(ctx, lfsObjectPath(oid), strings.NewReader(content))
	require.NoError(t, err)

	object := datastore.Replicable{Type: replicator.TypeLFSObject, ID: 1, Path: lfsObjectPath(oid), Size: int64(len(content)), OID: oid}
	env.primary.save(t, object)
	env.setState(t, object, datastore.SyncStatePending)

	objectURL := env.srv.URL + "/" + repoPath + redirect.LFSObjectsInfix + oid

	resp, err := noRedirects().Get(objectURL)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Location"), env.primary.srv.URL+redirect.ProxyPrefix+"/"))

	resp, err = http.Get(objectURL)
	require.NoError(t, err)
	require.Equal(t, content, readBody(t, resp), "the redirect is served by the primary")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Request.URL.Path, redirect.ProxyPrefix))

	_, err = env.blobs.Write(ctx, blobstore.KeyPath(object.Type, object.ID), strings.NewReader(content))
	require.NoError(t, err)
	env.setState(t, object, datastore.SyncStateSynced)

	resp, err = noRedirects().Get(objectURL)
	require.NoError(t, err)
	require.Equal(t, content, readBody(t, resp))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	download := batch(t, env.srv.URL+"/"+repoPath+redirect.LFSBatchSuffix, "download", oid)
	require.Len(t, download.Objects, 1)
	require.Equal(t, objectURL, download.Objects[0].Actions["download"].Href)

	body, err := json.Marshal(redirect.BatchRequest{Operation: "upload", Objects: []redirect.BatchObject{{OID: oid, Size: 1}}})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/"+repoPath+redirect.LFSBatchSuffix, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("User-Agent", "git-lfs/2.0.0 (GitHub; linux amd64; go 1.8)")
	resp, err = noRedirects().Do(req)
	require.NoError(t, err)
	require.Contains(t, readBody(t, resp), "2.4.2")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSecondary_git(t *testing.T) {
	env := newSecondaryEnv(t)

	project := datastore.Replicable{Type: replicator.TypeProjectRepository, ID: 7, Path: repoPath, Checksummable: true}
	env.primary.save(t, project)
	_, err := env.primary.repos.Init(repoPath)
	require.NoError(t, err)

	refsURL := env.srv.URL + "/" + repoPath + "/info/refs?service=git-upload-pack"

	resp, err := noRedirects().Get(refsURL)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode, "unknown repositories are redirected")

	_, err = env.repos.Init(gitrepo.KeyPath(project.Type, project.ID))
	require.NoError(t, err)
	env.setState(t, project, datastore.SyncStateSynced)

	resp, err = noRedirects().Get(refsURL)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-git-upload-pack-advertisement", resp.Header.Get("Content-Type"))

	resp, err = noRedirects().Get(env.srv.URL + "/" + repoPath + "/info/refs?service=git-receive-pack")
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode, "pushes go to the primary")

	resp, err = http.Get(env.srv.URL + StatusPath)
	require.NoError(t, err)
	var status stateCounts
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &status))
	require.Equal(t, secondaryName, status.Site)
	require.Equal(t, int64(1), status.Sync["synced"])
}
