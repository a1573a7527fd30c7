package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/apk-analysis/apk-security-analyzer/internal/domain"
	"github.com/apk-analysis/apk-security-analyzer/internal/obfuscation"
	"github.com/apk-analysis/apk-security-analyzer/internal/packer"
	"github.com/apk-analysis/apk-security-analyzer/internal/permission"
	"github.com/apk-analysis/apk-security-analyzer/internal/report"
	"github.com/apk-analysis/apk-security-analyzer/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleSession(id string, snippets int) *Session {
	evidence := make([]obfuscation.MatchEvidence, snippets)
	for i := range evidence {
		evidence[i] = obfuscation.MatchEvidence{ID: "e", File: "smali/a.smali", Severity: obfuscation.SeverityHigh}
	}
	done := time.Now().UTC()
	return &Session{
		ID:      id,
		APKName: "demo.apk",
		Status:  domain.StatusCompleted,
		APKInfo: &report.APKInfo{Name: "demo.apk", PackageName: "com.example.demo", TargetSDKVersion: "33"},
		Permissions: []permission.Info{
			{Name: "android.permission.CAMERA", ProtectionLevel: permission.LevelDangerous, Description: "camera"},
		},
		Verdict: &obfuscation.Verdict{
			IsObfuscated:  true,
			Confidence:    64,
			Indicators:    []obfuscation.Indicator{},
			Evidence:      evidence,
			TotalSnippets: snippets,
		},
		Packer: &packer.Result{
			IsPacked:   true,
			Name:       "Tencent Legu",
			Type:       packer.TypeNative,
			Confidence: 0.8,
			Indicators: []string{"native_lib:libshellx.so"},
		},
		SecurityScore: report.SecurityScore{Score: 82, Level: report.RiskLow},
		CreatedAt:     done.Add(-2 * time.Second),
		CompletedAt:   &done,
	}
}

// TestLRUStore_PutGet 测试基本读写
func TestLRUStore_PutGet(t *testing.T) {
	store := NewLRUStore(4, time.Minute, newTestLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleSession("a", 1)))
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "demo.apk", got.APKName)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// TestLRUStore_Isolation 测试存取的会话与缓存内容互不影响
func TestLRUStore_Isolation(t *testing.T) {
	store := NewLRUStore(4, time.Minute, newTestLogger())
	ctx := context.Background()

	sess := sampleSession("a", 2)
	require.NoError(t, store.Put(ctx, sess))

	// 写入后修改原值
	sess.Permissions[0].ProtectionLevel = permission.LevelNormal
	sess.Verdict.Confidence = 0
	sess.Verdict.Evidence[0].File = "changed"
	sess.Packer.Indicators[0] = "changed"
	sess.APKInfo.PackageName = "changed"

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, permission.LevelDangerous, got.Permissions[0].ProtectionLevel)
	assert.Equal(t, 64, got.Verdict.Confidence)
	assert.Equal(t, "smali/a.smali", got.Verdict.Evidence[0].File)
	assert.Equal(t, "native_lib:libshellx.so", got.Packer.Indicators[0])
	assert.Equal(t, "com.example.demo", got.APKInfo.PackageName)

	// 读出后修改副本
	got.Verdict.Indicators = append(got.Verdict.Indicators, obfuscation.Indicator{Type: obfuscation.RuleHexStrings, Count: 1})
	got.Permissions[0].Name = "changed"
	*got.CompletedAt = time.Time{}

	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, again.Verdict.Indicators)
	assert.Equal(t, "android.permission.CAMERA", again.Permissions[0].Name)
	assert.False(t, again.CompletedAt.IsZero())
}

// TestLRUStore_CapacityEviction 测试容量淘汰最久未使用的会话
func TestLRUStore_CapacityEviction(t *testing.T) {
	store := NewLRUStore(2, time.Minute, newTestLogger())
	ctx := context.Background()

	_ = store.Put(ctx, sampleSession("a", 0))
	_ = store.Put(ctx, sampleSession("b", 0))
	_, _ = store.Get(ctx, "a")
	_ = store.Put(ctx, sampleSession("c", 0))

	assert.Equal(t, 2, store.Len())
	_, err := store.Get(ctx, "b")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Get(ctx, "a")
	assert.NoError(t, err)
}

// TestLRUStore_TTL 测试过期
func TestLRUStore_TTL(t *testing.T) {
	store := NewLRUStore(4, 50*time.Millisecond, newTestLogger())
	ctx := context.Background()

	_ = store.Put(ctx, sampleSession("a", 0))
	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, "a")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 20*time.Millisecond)
}

// TestRecordRoundTrip 测试会话与记录互转
func TestRecordRoundTrip(t *testing.T) {
	sess := sampleSession("s1", 1200)

	record, err := ToRecord(sess)
	require.NoError(t, err)
	assert.Equal(t, "com.example.demo", record.PackageName)
	assert.Equal(t, 1, record.PermissionCount)
	assert.Equal(t, 1, record.DangerousCount)
	assert.Equal(t, 1200, record.TotalSnippets)
	assert.Equal(t, 64, record.Confidence)
	assert.Equal(t, 2000, record.DurationMs)
	assert.Equal(t, "Tencent Legu", record.PackerName)

	restored, err := FromRecord(record)
	require.NoError(t, err)
	assert.Equal(t, sess.Permissions, restored.Permissions)
	assert.Equal(t, sess.APKInfo, restored.APKInfo)
	assert.Equal(t, 64, restored.Verdict.Confidence)
	assert.Equal(t, 1200, restored.Verdict.TotalSnippets)
	// 落库的证据按展示上限截断
	assert.Len(t, restored.Verdict.Evidence, obfuscation.MaxDisplaySnippets)
	assert.Equal(t, report.RiskLow, restored.SecurityScore.Level)
	assert.Equal(t, sess.Packer, restored.Packer)
}

// TestPersistentStore_ReadThrough 测试缓存未命中时回源数据库
func TestPersistentStore_ReadThrough(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.AnalysisRecord{}))

	repo := repository.NewAnalysisRepository(db)
	cache := NewLRUStore(1, time.Minute, newTestLogger())
	store := NewPersistentStore(cache, repo, newTestLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleSession("first", 3)))
	require.NoError(t, store.Put(ctx, sampleSession("second", 2)))

	// 容量为 1，first 已被淘汰
	_, err = cache.Get(ctx, "first")
	require.True(t, errors.Is(err, ErrNotFound))

	got, err := store.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", got.ID)
	assert.Len(t, got.Verdict.Evidence, 3)
	assert.Equal(t, 82, got.SecurityScore.Score)

	_, err = cache.Get(ctx, "first")
	assert.NoError(t, err)

	_, err = store.Get(ctx, "none")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.Delete(ctx, "first"))
	_, err = store.Get(ctx, "first")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// TestSession_Summary 测试由会话组装摘要
func TestSession_Summary(t *testing.T) {
	summary := sampleSession("x", 2).Summary()
	assert.Equal(t, 1, summary.PermissionsSummary.Dangerous)
	assert.Equal(t, 82, summary.SecurityScore.Score)
	require.NotEmpty(t, summary.KeyFindings)
	assert.Equal(t, "Code obfuscation detected (64% confidence, 2 code snippets found)", summary.KeyFindings[0].Message)
}
