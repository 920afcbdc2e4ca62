package utils

import (
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	rndMutex sync.Mutex
	rnd      = rand.New(rand.NewSource(time.Now().UnixNano()))

	wordsOnce sync.Once
	words     []string
)

func randIntn(n int) int {
	rndMutex.Lock()
	defer rndMutex.Unlock()
	return rnd.Intn(n)
}

// GenerateRandomString 返回 6-11 字节 的 小写字母 字符串.
func GenerateRandomString() string {
	n := randIntn(6) + 6

	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(byte(randIntn(26) + 'a'))
	}
	return sb.String()
}

// GetRandomWord 从系统词典 /usr/share/dict/words 中 随机取 一个词; 没有词典时 (如 windows) 退化为 GenerateRandomString.
func GetRandomWord() string {
	wordsOnce.Do(func() {
		bs, err := os.ReadFile("/usr/share/dict/words")
		if err != nil {
			return
		}
		for _, w := range strings.Split(string(bs), "\n") {
			if w = strings.TrimSpace(w); w != "" {
				words = append(words, w)
			}
		}
	})
	if len(words) == 0 {
		return GenerateRandomString()
	}
	return words[randIntn(len(words))]
}
