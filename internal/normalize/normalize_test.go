package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pauljones0/tg-site-mirror/internal/config"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	rules, err := NewRuleTable(config.DefaultRules())
	require.NoError(t, err)
	return New(rules)
}

func TestClean(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "Обычный текст", "Обычный текст"},
		{"boilerplate case-insensitive", "Новость дня. ПОДПИСАТЬСЯ НА НОВОСТИ ДЛЯ СВОИХ", "Новость дня."},
		{"self link", "Текст https://t.me/newsSVOih", "Текст"},
		{"emoji", "Взрыв 🔥💥 на складе 🇷🇺", "Взрыв на складе"},
		{"whitespace", "  много \n\n пробелов\t", "много пробелов"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Clean(tt.in))
		})
	}
}

func TestNormalize_CaptionOnly(t *testing.T) {
	n := newTestNormalizer(t)

	got := n.Normalize("Breaking news", "")
	assert.Equal(t, "Breaking news", got.Caption)
	assert.Empty(t, got.Body)
	assert.False(t, got.Urgent)
}

func TestNormalize_BodyOnly(t *testing.T) {
	n := newTestNormalizer(t)

	got := n.Normalize("", "Только текст")
	assert.Empty(t, got.Caption)
	assert.Equal(t, "Только текст", got.Body)
}

func TestNormalize_DuplicatedAcrossFields(t *testing.T) {
	n := newTestNormalizer(t)

	got := n.Normalize("Одно и то же", "Одно и то же")
	assert.Empty(t, got.Caption)
	assert.Equal(t, "Одно и то же", got.Body)
}

func TestNormalize_CaptionPrecedesBody(t *testing.T) {
	n := newTestNormalizer(t)

	got := n.Normalize("Заголовок", "Подробности события")
	assert.Equal(t, "Заголовок", got.Caption)
	assert.Equal(t, "Подробности события", got.Body)
	assert.NotEqual(t, got.Caption, got.Body)
}

func TestNormalize_Urgent(t *testing.T) {
	n := newTestNormalizer(t)

	got := n.Normalize("#СРОЧНО Важное сообщение", "")
	assert.True(t, got.Urgent)
	assert.Equal(t, "Важное сообщение", got.Caption)

	got = n.Normalize("Фото", "Текст #срочно")
	assert.True(t, got.Urgent)
	assert.Equal(t, "Фото", got.Caption)
	assert.Equal(t, "Текст", got.Body)
}

func TestNormalize_Category(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		caption string
		want    string
	}{
		{"Россия и Китай подписали договор", "Россия"},
		{"Космос: запуск ракеты", "Космос"},
		{"Выборы в США", "Мир"},
		{"Погода на выходные", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, n.Normalize(tt.caption, "").Category, tt.caption)
	}
}

func TestNewRuleTable_InvalidPattern(t *testing.T) {
	_, err := NewRuleTable(config.RulesConfig{Boilerplate: []string{"("}})
	assert.Error(t, err)
}

func TestNewRuleTable_NoMarker(t *testing.T) {
	rules, err := NewRuleTable(config.RulesConfig{})
	require.NoError(t, err)

	n := New(rules)
	got := n.Normalize("#срочно текст", "")
	assert.False(t, got.Urgent)
	assert.Equal(t, "#срочно текст", got.Caption)
}
