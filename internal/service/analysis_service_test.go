package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-security-analyzer/internal/decompiler"
	"github.com/apk-analysis/apk-security-analyzer/internal/domain"
	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/packer"
	"github.com/apk-analysis/apk-security-analyzer/internal/permission"
	"github.com/apk-analysis/apk-security-analyzer/internal/queue"
	"github.com/apk-analysis/apk-security-analyzer/internal/report"
	"github.com/apk-analysis/apk-security-analyzer/internal/session"
	"github.com/apk-analysis/apk-security-analyzer/internal/worker"
)

const testManifest = `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.demo"
    android:versionName="1.2.0" android:versionCode="12">
    <uses-sdk android:minSdkVersion="24" android:targetSdkVersion="33"/>
    <uses-permission android:name="android.permission.INTERNET"/>
    <uses-permission android:name="android.permission.CAMERA"/>
    <uses-permission android:name="android.permission.READ_CONTACTS"/>
    <application android:label="Demo">
        <activity android:name=".MainActivity"/>
    </application>
</manifest>`

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeDecompiler 写出固定的反编译目录
type fakeDecompiler struct {
	fail  string
	calls int
}

func (f *fakeDecompiler) DecompileTo(ctx context.Context, apkPath, outputDir string, status decompiler.StatusFunc) decompiler.Result {
	f.calls++
	status("Decompiling APK: " + filepath.Base(apkPath))
	if f.fail != "" {
		return decompiler.Result{Attempts: 1, Error: f.fail}
	}

	smaliDir := filepath.Join(outputDir, "smali", "com", "example")
	if err := os.MkdirAll(smaliDir, 0755); err != nil {
		return decompiler.Result{Error: err.Error()}
	}
	_ = os.WriteFile(filepath.Join(outputDir, "AndroidManifest.xml"), []byte(testManifest), 0644)
	_ = os.WriteFile(filepath.Join(smaliDir, "MainActivity.smali"), []byte("nop\nreturn-void\n"), 0644)
	status("Decompilation successful")
	return decompiler.Result{Success: true, OutputDir: outputDir, SizeMB: 0.01, Attempts: 1}
}

// MockPublisher 队列发布 mock
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishAnalysis(ctx context.Context, msg *queue.AnalysisMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// recordingNotifier 记录推送事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recordingNotifier) Notify(e ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc        AnalysisService
	store      *session.LRUStore
	decompiler *fakeDecompiler
	notifier   *recordingNotifier
	uploadDir  string
	outputDir  string
}

func newFixture(t *testing.T, publisher queue.Publisher) *fixture {
	t.Helper()
	logger := newTestLogger()

	table := permission.NewTable([]permission.Info{
		{Name: "android.permission.CAMERA", ProtectionLevel: permission.LevelDangerous, Description: "Take pictures"},
		{Name: "android.permission.READ_CONTACTS", ProtectionLevel: permission.LevelDangerous, Description: "Read contacts"},
		{Name: "android.permission.INTERNET", ProtectionLevel: permission.LevelNormal, Description: "Network access"},
	})
	detector, err := obfuscation.NewDetector(obfuscation.Options{Workers: 2}, logger)
	require.NoError(t, err)

	f := &fixture{
		store:      session.NewLRUStore(16, time.Hour, logger),
		decompiler: &fakeDecompiler{},
		notifier:   &recordingNotifier{},
		uploadDir:  t.TempDir(),
		outputDir:  t.TempDir(),
	}

	var svc AnalysisService
	pool := worker.NewPool(2, 8, func(ctx context.Context, job *worker.Job) error {
		return svc.Process(ctx, job)
	}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Stop()
		cancel()
	})

	deps := Deps{
		Decompiler:  f.decompiler,
		Permissions: permission.NewAnalyzer(table, logger),
		Detector:    detector,
		Packer:      packer.NewDetector(logger),
		Store:       f.store,
		Runner:      pool,
		Notifier:    f.notifier,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	svc = NewAnalysisService(deps, Options{
		UploadDir:      f.uploadDir,
		OutputDir:      f.outputDir,
		MaxUploadBytes: 1024,
	}, logger)
	f.svc = svc
	return f
}

// TestUpload_Validation 测试上传校验
func TestUpload_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, "notes.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidExtension)

	_, err = f.svc.Upload(ctx, "big.apk", bytes.NewReader(make([]byte, 2048)))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = f.svc.Upload(ctx, "empty.apk", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyFile)

	// 失败的上传不留下文件
	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestUpload_CreatesSession 测试上传创建排队会话
func TestUpload_CreatesSession(t *testing.T) {
	f := newFixture(t, nil)

	sess, err := f.svc.Upload(context.Background(), "../../My App.APK", strings.NewReader("PK\x03\x04"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusQueued, sess.Status)
	assert.Equal(t, "My_App.APK", sess.APKName)
	assert.Equal(t, filepath.Join(f.uploadDir, sess.ID, "My_App.APK"), sess.APKPath)
	assert.FileExists(t, sess.APKPath)

	stored, err := f.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, stored.ID)
}

// TestSubmit_Synchronous 测试同步执行完整流水线
func TestSubmit_Synchronous(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.svc.Upload(ctx, "demo.apk", strings.NewReader("PK\x03\x04 demo"))
	require.NoError(t, err)

	done, err := f.svc.Submit(ctx, sess)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, filepath.Join(f.outputDir, sess.ID), done.OutputDir)

	require.NotNil(t, done.APKInfo)
	assert.Equal(t, "com.example.demo", done.APKInfo.PackageName)
	assert.Equal(t, "33", done.APKInfo.TargetSDKVersion)
	assert.Len(t, done.Permissions, 3)

	require.NotNil(t, done.Verdict)
	assert.Equal(t, 0, done.Verdict.Confidence)
	assert.False(t, done.Verdict.IsObfuscated)
	assert.Equal(t, 1, done.Verdict.SmaliFilesCount)

	// 上传内容不是合法 zip，加固识别只能依据入口类
	require.NotNil(t, done.Packer)
	assert.False(t, done.Packer.IsPacked)

	// 100 - 2 个危险权限 * 5
	assert.Equal(t, report.SecurityScore{Score: 90, Level: report.RiskLow}, done.SecurityScore)

	types := f.notifier.types()
	assert.Contains(t, types, EventStatus)
	assert.Contains(t, types, EventProgress)
	assert.Equal(t, EventComplete, types[len(types)-1])
}

// TestSubmit_DecompileFailure 测试反编译失败
func TestSubmit_DecompileFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.decompiler.fail = "Decompilation failed: bad dex"
	ctx := context.Background()

	sess, err := f.svc.Upload(ctx, "broken.apk", strings.NewReader("junk"))
	require.NoError(t, err)

	failed, err := f.svc.Submit(ctx, sess)
	require.Error(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, "Decompilation failed: bad dex", failed.Error)

	_, err = f.svc.Summary(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	types := f.notifier.types()
	assert.Equal(t, EventError, types[len(types)-1])
}

// TestSubmit_Queue 测试启用队列时只发布消息
func TestSubmit_Queue(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("PublishAnalysis", mock.Anything, mock.MatchedBy(func(m *queue.AnalysisMessage) bool {
		return m.APKName == "queued.apk"
	})).Return(nil).Once()

	f := newFixture(t, pub)
	ctx := context.Background()

	sess, err := f.svc.Upload(ctx, "queued.apk", strings.NewReader("PK"))
	require.NoError(t, err)

	got, err := f.svc.Submit(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 0, f.decompiler.calls)
	pub.AssertExpectations(t)
}

// TestSubmit_QueueError 测试发布失败
func TestSubmit_QueueError(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("PublishAnalysis", mock.Anything, mock.Anything).Return(errors.New("channel closed"))

	f := newFixture(t, pub)
	sess, err := f.svc.Upload(context.Background(), "queued.apk", strings.NewReader("PK"))
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), sess)
	assert.Error(t, err)
}

// TestProcess_UnknownSession 测试消息中的会话不在本地存储时自动创建
func TestProcess_UnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	apk := filepath.Join(t.TempDir(), "remote.apk")
	require.NoError(t, os.WriteFile(apk, []byte("PK"), 0644))

	job := &worker.Job{SessionID: "from-queue", APKName: "remote.apk", APKPath: apk}
	require.NoError(t, f.svc.Process(context.Background(), job))

	sess, err := f.svc.Get(context.Background(), "from-queue")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sess.Status)

	// 重复投递不再执行
	require.NoError(t, f.svc.Process(context.Background(), job))
	assert.Equal(t, 1, f.decompiler.calls)
}

// TestIngest 测试投递目录入口异步执行
func TestIngest(t *testing.T) {
	f := newFixture(t, nil)
	apk := filepath.Join(t.TempDir(), "dropped.apk")
	require.NoError(t, os.WriteFile(apk, []byte("PK"), 0644))

	sess, err := f.svc.Ingest(context.Background(), apk)
	require.NoError(t, err)
	assert.Equal(t, "dropped.apk", sess.APKName)

	require.Eventually(t, func() bool {
		got, err := f.svc.Get(context.Background(), sess.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	_, err = f.svc.Ingest(context.Background(), filepath.Join(t.TempDir(), "readme.md"))
	assert.ErrorIs(t, err, ErrInvalidExtension)
}

// TestDetailsAndSnippets 测试详情与证据分页
func TestDetailsAndSnippets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.svc.Upload(ctx, "demo.apk", strings.NewReader("PK"))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, sess)
	require.NoError(t, err)

	details, err := f.svc.Details(ctx, sess.ID)
	require.NoError(t, err)
	assert.Contains(t, details.Manifest.Content, "com.example.demo")
	assert.NotEmpty(t, details.FileStructure)
	assert.Equal(t, 90, details.SecurityScore.Score)

	page, err := f.svc.Snippets(ctx, sess.ID, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Snippets)
	assert.Equal(t, 0, page.Pagination.Total)
	assert.False(t, page.Pagination.HasNext)

	summary, err := f.svc.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PermissionsSummary.Dangerous)

	// 清单被删后详情仍可返回
	require.NoError(t, os.Remove(filepath.Join(f.outputDir, sess.ID, "AndroidManifest.xml")))
	details, err = f.svc.Details(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, manifestUnavailable, details.Manifest.Content)

	_, err = f.svc.Details(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

// TestLookupPermission 测试权限查询
func TestLookupPermission(t *testing.T) {
	f := newFixture(t, nil)

	info := f.svc.LookupPermission("camera")
	assert.Equal(t, permission.LevelDangerous, info.ProtectionLevel)
	assert.Equal(t, "camera", info.Name)

	assert.Equal(t, permission.LevelUnknown, f.svc.LookupPermission("com.vendor.X").ProtectionLevel)
}

// TestDelete 测试删除会话与文件
func TestDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.svc.Upload(ctx, "demo.apk", strings.NewReader("PK"))
	require.NoError(t, err)
	done, err := f.svc.Submit(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, sess.ID))
	assert.NoDirExists(t, done.OutputDir)
	assert.NoDirExists(t, filepath.Dir(done.APKPath))
	assert.DirExists(t, f.uploadDir)

	_, err = f.svc.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

// TestDelete_InProgress 测试分析中的会话不能删除
func TestDelete_InProgress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, &session.Session{ID: "busy", Status: domain.StatusAnalyzing}))

	err := f.svc.Delete(ctx, "busy")
	assert.ErrorIs(t, err, ErrInProgress)

	_, err = f.svc.Get(ctx, "busy")
	assert.NoError(t, err)
}

// TestHistory_NoRepo 测试未配置数据库时历史为空
func TestHistory_NoRepo(t *testing.T) {
	f := newFixture(t, nil)
	records, err := f.svc.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// TestSanitizeFilename 测试文件名清理
func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"app.apk":             "app.apk",
		"../../etc/evil.apk":  "evil.apk",
		`C:\Users\me\a b.apk`: "a_b.apk",
		".apk":                "upload.apk",
		"中文.apk":              "zhongwen.apk",
		"微信 v8.apk":           "weixin_v8.apk",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}
