package packer

// 判定为加固的最低置信度
const minConfidence = 0.4

var builtinRules = []Rule{
	{
		Name:       "Qihoo 360 Jiagu",
		Type:       TypeNative,
		NativeLibs: []string{"libjiagu.so", "libjiagu_x86.so", "libjiagu_a64.so", "libjiagu_x64.so"},
		Markers:    []string{"com.qihoo.util", "com.stub.StubApp", "jiagu"},
		ClassNames: []string{"com.stub.StubApp", "com.qihoo.util.QHClassLoader"},
		Priority:   100,
	},
	{
		Name:       "Tencent Legu",
		Type:       TypeNative,
		NativeLibs: []string{"libshell.so", "libshellx.so", "libtxmsecurity.so", "libshella-2.10.3.4.so", "libshellx-2.10.3.4.so"},
		Markers:    []string{"com.tencent.StubShell", "tosversion"},
		ClassNames: []string{"com.tencent.StubShell.TxAppEntry"},
		Priority:   100,
	},
	{
		Name:       "Ijiami",
		Type:       TypeNative,
		NativeLibs: []string{"libexec.so", "libexecmain.so"},
		Markers:    []string{"ijiami", "ijm_lib"},
		ClassNames: []string{"com.shell.SuperApplication"},
		Priority:   100,
	},
	{
		Name:       "Bangcle / SecNeo",
		Type:       TypeNative,
		NativeLibs: []string{"libDexHelper.so", "libDexHelper-x86.so", "libSecShell.so", "libSecShell-x86.so"},
		Markers:    []string{"secneo", "bangcle"},
		ClassNames: []string{"com.secneo.apkwrapper.ApplicationWrapper"},
		Priority:   100,
	},
	{
		Name:       "Nagain",
		Type:       TypeNative,
		NativeLibs: []string{"libnaga.so", "libddog.so", "libedog.so"},
		Markers:    []string{"nagapt"},
		ClassNames: []string{"com.nagapt.protect.StubApplication"},
		Priority:   95,
	},
	{
		Name:       "NetEase Yidun",
		Type:       TypeNative,
		NativeLibs: []string{"libnesec.so", "libNetHTProtect.so"},
		Markers:    []string{"nesec", "htprotect"},
		ClassNames: []string{"com.netease.nis.wrapper.MyApplication"},
		Priority:   95,
	},
	{
		Name:       "Alibaba Security",
		Type:       TypeNative,
		NativeLibs: []string{"libmobisec.so", "libsgmain.so", "libsgsecuritybody.so"},
		Markers:    []string{"aliprotector"},
		ClassNames: []string{"com.alibaba.wireless.security.open.SecurityGuardManager"},
		Priority:   95,
	},
	{
		Name:       "Baidu Protect",
		Type:       TypeNative,
		NativeLibs: []string{"libbaiduprotect.so", "libcocklogic.so"},
		Markers:    []string{"baiduprotect"},
		ClassNames: []string{"com.baidu.protect.StubApplication"},
		Priority:   90,
	},
	{
		Name:       "Payegis",
		Type:       TypeNative,
		NativeLibs: []string{"libegis.so", "libNSaferOnly.so"},
		Markers:    []string{"payegis"},
		ClassNames: []string{"com.payegis.protect.StubApp"},
		Priority:   90,
	},
	{
		Name:       "Kiwisec",
		Type:       TypeNative,
		NativeLibs: []string{"libkwscmm.so", "libkwscr.so"},
		Markers:    []string{"kiwisec"},
		ClassNames: []string{"com.kiwisec.android.loader.KWLoader"},
		Priority:   85,
	},
	{
		Name:       "Dingxiang",
		Type:       TypeNative,
		NativeLibs: []string{"libx3g.so", "libdxoptimizer.so"},
		Markers:    []string{"dingxiang"},
		ClassNames: []string{"com.dingxiang.mobile.ShieldApp"},
		Priority:   85,
	},
	{
		Name:       "DexGuard",
		Type:       TypeDexEncrypt,
		Markers:    []string{"dexguard", "guardsquare"},
		ClassNames: []string{"o.Oo", "o.OoO", "o.oOo", "o.OOo"},
		Priority:   80,
	},
	{
		Name:       "DexProtector",
		Type:       TypeVMP,
		NativeLibs: []string{"libdexprotector.so"},
		Markers:    []string{"dexprotector"},
		Priority:   80,
	},
	{
		Name:       "Arxan",
		Type:       TypeNative,
		NativeLibs: []string{"libArxanJNI.so", "libArxan.so"},
		Markers:    []string{"arxan"},
		Priority:   75,
	},
	{
		Name:       "AppSealing",
		Type:       TypeNative,
		NativeLibs: []string{"libAppSealing.so", "libAppSealingCore.so"},
		Markers:    []string{"appsealing"},
		Priority:   75,
	},
	// 通用特征，只在没有厂商规则命中时生效
	{
		Name:     "Unknown (tiny DEX)",
		Type:     TypeUnknown,
		Markers:  []string{"assets/classes", "assets/dex"},
		DEXMaxKB: 100,
		Priority: 10,
	},
	{
		Name:        "Unknown (oversized native libraries)",
		Type:        TypeUnknown,
		Markers:     []string{"stub", "shell", "protect"},
		NativeMinMB: 10,
		Priority:    10,
	},
}

// suspiciousFragments 路径中出现即记为可疑文件
var suspiciousFragments = []string{
	"stub",
	"shell",
	"protect",
	"guard",
	"jiagu",
	"secneo",
	"ijiami",
	"bangcle",
	"nagapt",
	"assets/classes",
	"assets/dex",
}

// Rules 返回内置规则副本
func Rules() []Rule {
	rules := make([]Rule, len(builtinRules))
	copy(rules, builtinRules)
	return rules
}
