// Package textutil 提供分块、检索与记忆共用的文本处理工具函数。
package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	paragraphRe  = regexp.MustCompile(`\n\s*\n`)
)

// EstimateTokens 估算文本的 token 数。
// 拉丁文字按单词计（约 4/3 token 每词），CJK 字符每个计 1 token。
func EstimateTokens(text string) int {
	words, cjk := 0, 0
	inWord := false
	for _, r := range text {
		switch {
		case isCJK(r):
			cjk++
			inWord = false
		case unicode.IsSpace(r):
			inWord = false
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// 标点单独成词
			words++
			inWord = false
		default:
			if !inWord {
				words++
				inWord = true
			}
		}
	}
	return cjk + (words*4+2)/3
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// CosineSimilarity 计算两个向量的余弦相似度，范围 [-1, 1]。
// 维度不一致或存在零向量时返回 0。
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize 返回单位长度的向量副本，零向量原样返回副本。
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		copy(out, v)
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Dot 计算两个等长向量的点积。
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// NormalizeQuestion 规范化题目文本：大小写折叠并合并空白。
func NormalizeQuestion(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(s), " "))
}

// CollapseWhitespace 将连续空白合并为单个空格。
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// HashString 计算字符串的 SHA-256 十六进制摘要。
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// TruncateRunes 截断字符串到最多 maxLen 个 Unicode 字符。
func TruncateRunes(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

// TruncateTokens 截断字符串到 EstimateTokens 不超过 budget 的最长前缀。
func TruncateTokens(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if EstimateTokens(s) <= budget {
		return s
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if EstimateTokens(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

// SplitParagraphs 按空行切分段落，去掉空段。
func SplitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := paragraphRe.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SplitSentences 按句末标点切分句子，标点保留在句尾。
// 英文句号后必须跟空白或文本结尾才算句末，避免切开 "3.14"、"e.g." 之类的片段；
// 中文句末标点直接切分。单行换行视为句子边界。
func SplitSentences(text string) []string {
	runes := []rune(strings.ReplaceAll(text, "\r\n", "\n"))
	var (
		out   []string
		start int
	)
	emit := func(end int) {
		s := CollapseWhitespace(string(runes[start:end]))
		if s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\n':
			emit(i + 1)
		case '。', '！', '？', '；', '…':
			j := i + 1
			for j < len(runes) && isClosing(runes[j]) {
				j++
			}
			emit(j)
			i = j - 1
		case '.', '!', '?':
			j := i + 1
			for j < len(runes) && (runes[j] == '.' || runes[j] == '!' || runes[j] == '?' || isClosing(runes[j])) {
				j++
			}
			if j == len(runes) || unicode.IsSpace(runes[j]) {
				if r == '.' && isAbbreviation(runes[start:i]) {
					continue
				}
				emit(j)
				i = j - 1
			}
		}
	}
	emit(len(runes))
	return out
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '）', '」', '』':
		return true
	}
	return false
}

var abbreviations = map[string]bool{
	"e.g": true, "i.e": true, "etc": true, "mr": true, "mrs": true, "ms": true,
	"dr": true, "prof": true, "fig": true, "vs": true,
}

// isAbbreviation 判断句号前的最后一个词是否为常见缩写。
func isAbbreviation(prefix []rune) bool {
	i := len(prefix)
	for i > 0 && !unicode.IsSpace(prefix[i-1]) {
		i--
	}
	word := strings.ToLower(strings.TrimLeft(string(prefix[i:]), "(\"'"))
	return abbreviations[word]
}

// SplitWords 按空白切分单词；CJK 文本没有空白时按字符切分。
func SplitWords(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 1 && containsCJK(f) {
			for _, r := range f {
				out = append(out, string(r))
			}
			continue
		}
		out = append(out, f)
	}
	return out
}

func containsCJK(s string) bool {
	for _, r := range s {
		if isCJK(r) {
			return true
		}
	}
	return false
}

// JoinWords 拼接 SplitWords 的结果，CJK 字符之间不插入空格。
func JoinWords(words []string) string {
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			prev, _ := utf8.DecodeLastRuneInString(words[i-1])
			cur, _ := utf8.DecodeRuneInString(w)
			if !(isCJK(prev) && isCJK(cur)) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(w)
	}
	return b.String()
}

// FirstSentences 返回文本的前 n 个句子。
func FirstSentences(text string, n int) string {
	sentences := SplitSentences(text)
	if len(sentences) > n {
		sentences = sentences[:n]
	}
	return strings.Join(sentences, " ")
}
