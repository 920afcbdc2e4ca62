package utils

import (
	"bytes"
	"crypto/subtle"
	"sync"
)

// User是一个 可确定唯一身份，且可验证该身份的 标识。
type User interface {
	IdentityStr() string //每个user唯一，通过比较这个string 即可 判断两个User 是否相等。相当于 user name

	AuthStr() string //AuthStr 可以识别出该用户 并验证该User的真实性。相当于 user name + password
}

type UserConf struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// used in proxy/socks5 and proxy/http. implements User
type UserPass struct {
	UserID, Password []byte
}

func NewUserPass(uc UserConf) *UserPass {
	return &UserPass{
		UserID:   []byte(uc.User),
		Password: []byte(uc.Pass),
	}
}

func (ph *UserPass) IdentityStr() string {
	return string(ph.UserID)
}

func (ph *UserPass) AuthStr() string {
	return string(ph.UserID) + "\n" + string(ph.Password)
}

//	return len(ph.User) > 0 && len(ph.Password) > 0
func (ph *UserPass) Valid() bool {
	return len(ph.UserID) > 0 && len(ph.Password) > 0
}

func (ph *UserPass) GetUserByPass(user, pass []byte) User {
	if bytes.Equal(user, ph.UserID) && subtle.ConstantTimeCompare(pass, ph.Password) == 1 {
		return ph
	}
	return nil
}

// MultiUserMap 储存多个 UserPass, 并发安全. 以 AuthStr 为key.
type MultiUserMap struct {
	authMap map[string]User
	mutex   sync.RWMutex
}

func NewMultiUserMap() *MultiUserMap {
	return &MultiUserMap{authMap: make(map[string]User)}
}

// NewMultiUserMapFromConf 在 ucs 为空时 返回 nil, 表示不需要验证.
func NewMultiUserMapFromConf(ucs []UserConf) *MultiUserMap {
	if len(ucs) == 0 {
		return nil
	}
	mu := NewMultiUserMap()
	for _, uc := range ucs {
		mu.AddUser(NewUserPass(uc))
	}
	return mu
}

func (mu *MultiUserMap) AddUser(u User) {
	mu.mutex.Lock()
	mu.authMap[u.AuthStr()] = u
	mu.mutex.Unlock()
}

func (mu *MultiUserMap) DelUser(u User) {
	mu.mutex.Lock()
	delete(mu.authMap, u.AuthStr())
	mu.mutex.Unlock()
}

func (mu *MultiUserMap) Len() int {
	mu.mutex.RLock()
	defer mu.mutex.RUnlock()
	return len(mu.authMap)
}

// AuthUserByUserPass 通过 用户名+密码 试图取出 一个User, 验证失败返回 nil.
func (mu *MultiUserMap) AuthUserByUserPass(user, pass string) User {
	mu.mutex.RLock()
	u := mu.authMap[user+"\n"+pass]
	mu.mutex.RUnlock()
	return u
}
